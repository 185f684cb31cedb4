// Package miner implements the accrual engine: reward math, the boost window,
// auto-mining, optimistic claims and their reconciliation against the ledger.
package miner

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/sodmax/cityverse-miner/internal/ledger"
)

const snapshotVersion = 1

// BoostState is the persisted boost window. EndTime is epoch ms and is nil iff inactive.
type BoostState struct {
	Active  bool   `json:"active"`
	EndTime *int64 `json:"endTime"`
}

// AutoMiningState is the persisted scheduler switch.
type AutoMiningState struct {
	Enabled bool `json:"enabled"`
}

// Claim statuses recorded in history.
const (
	StatusConfirmed = "confirmed"
	StatusCorrected = "corrected"
	StatusReverted  = "reverted"
)

// HistoryEntry records one resolved claim.
type HistoryEntry struct {
	ClaimID string  `json:"claimId"`
	Time    int64   `json:"time"` // epoch ms
	Amount  float64 `json:"amount"`
	Source  string  `json:"source"`
	Boosted bool    `json:"boosted"`
	Periods int     `json:"periods,omitempty"`
	Status  string  `json:"status"`
	Reason  string  `json:"reason,omitempty"`
}

// Snapshot is everything the engine restores across restarts.
type Snapshot struct {
	Version      int                `json:"version"`
	UserID       string             `json:"userId"`
	Mining       ledger.MiningState `json:"miningState"`
	Boost        BoostState         `json:"boost"`
	AutoMining   AutoMiningState    `json:"autoMining"`
	History      []HistoryEntry     `json:"history"`
	Upgrades     []ledger.Upgrade   `json:"upgrades"`
	LastAutoTick int64              `json:"lastAutoTick,omitempty"` // epoch ms of last confirmed auto claim
	SavedAt      int64              `json:"savedAt"`
}

// Encode serializes the snapshot.
func (s *Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSnapshot parses a stored snapshot. Mining figures are normalized and a
// half-written boost record (active without an end time) is treated as inactive.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Version > snapshotVersion {
		return nil, fmt.Errorf("decode snapshot: unsupported version %d", s.Version)
	}
	s.Mining = normalize(s.Mining)
	if s.Boost.Active != (s.Boost.EndTime != nil) {
		s.Boost = BoostState{}
	}
	return &s, nil
}

// DefaultMiningState is the state of a fresh account.
func DefaultMiningState() ledger.MiningState {
	return normalize(ledger.MiningState{Level: 1, Power: 1, Multiplier: 1, Efficiency: 1})
}

// normalize clamps figures into their valid ranges and derives rewardPerClick.
func normalize(m ledger.MiningState) ledger.MiningState {
	if m.Level < 1 {
		m.Level = 1
	}
	m.Power = nonNegative(m.Power)
	if !(m.Multiplier >= 1) || math.IsInf(m.Multiplier, 0) {
		m.Multiplier = 1
	}
	m.Efficiency = clampEfficiency(m.Efficiency)
	m.TotalMined = nonNegative(m.TotalMined)
	m.TodayEarned = nonNegative(m.TodayEarned)
	m.RewardPerClick = ComputeReward(m, false)
	return m
}

func nonNegative(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
