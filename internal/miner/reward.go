package miner

import (
	"math"

	"github.com/sodmax/cityverse-miner/internal/ledger"
)

// BoostMultiplier replaces the persistent multiplier while a boost is active.
const BoostMultiplier = 3

const maxEfficiency = 2

// ComputeReward returns floor(power × multiplier × efficiency), with the multiplier
// forced to BoostMultiplier while boostActive. Never negative, never NaN or Inf.
func ComputeReward(s ledger.MiningState, boostActive bool) float64 {
	power := s.Power
	if math.IsNaN(power) || power < 0 {
		power = 0
	}
	mult := s.Multiplier
	if boostActive {
		mult = BoostMultiplier
	} else if !(mult >= 1) {
		mult = 1
	}
	eff := clampEfficiency(s.Efficiency)

	r := math.Floor(power * mult * eff)
	if math.IsNaN(r) || math.IsInf(r, 0) || r < 0 {
		return 0
	}
	return r
}

func clampEfficiency(eff float64) float64 {
	if !(eff >= 1) {
		return 1
	}
	if eff > maxEfficiency {
		return maxEfficiency
	}
	return eff
}
