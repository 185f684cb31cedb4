// Package events carries engine notifications to the console and to the wallet collaborator.
package events

import (
	"context"
	"log/slog"
	"time"
)

// Event types emitted by the engine.
const (
	TypeReward         = "reward"          // claim confirmed; Data is a RewardData
	TypeRewardReverted = "reward_reverted" // optimistic credit rolled back
	TypeCorrected      = "corrected"       // local state overwritten by the ledger
	TypeBoostActivated = "boost_activated"
	TypeBoostExpired   = "boost_expired"
	TypeAutoEnabled    = "auto_enabled"
	TypeAutoDisabled   = "auto_disabled"
	TypeUpgrade        = "upgrade"
	TypeRefresh        = "refresh"
	TypeCatchUp        = "catch_up"
	TypeDailyReset     = "daily_reset"
	TypeLifecycle      = "lifecycle"
	TypeNotice         = "notice" // user-facing, non-fatal
	TypeError          = "error"
)

// Event is one notification.
type Event struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Time    string `json:"time"`
	UserID  string `json:"user_id,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// RewardData is the payload of reward and reward_reverted events.
type RewardData struct {
	ClaimID    string  `json:"claim_id"`
	Amount     float64 `json:"amount"`
	Source     string  `json:"source"`
	Boosted    bool    `json:"boosted"`
	TotalMined float64 `json:"total_mined"`
}

// Stamp fills Time if empty.
func (e Event) Stamp(now time.Time) Event {
	if e.Time == "" {
		e.Time = now.Format(time.RFC3339)
	}
	return e
}

// Publisher delivers events to some sink.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// Fanout returns a callback that delivers each event to every publisher,
// logging failures instead of returning them; a broken sink never stalls the engine.
func Fanout(pubs ...Publisher) func(Event) {
	return func(evt Event) {
		for _, p := range pubs {
			if p == nil {
				continue
			}
			if err := p.Publish(context.Background(), evt); err != nil {
				slog.Warn("event publish failed", "type", evt.Type, "error", err)
			}
		}
	}
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(_ context.Context, evt Event) error {
	f(evt)
	return nil
}

func (f PublisherFunc) Close() error { return nil }
