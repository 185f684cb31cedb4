package miner

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultBoostDuration is the length of one boost window.
const DefaultBoostDuration = 30 * time.Minute

// BoostTimer tracks the boost window against wall-clock time. Expiry is detected
// by comparing the clock with the recorded end time, never by counting ticks,
// so a window that ended while the process was suspended is seen as ended on
// the next Check. Not safe for concurrent use; the engine serializes access.
type BoostTimer struct {
	clock clockwork.Clock
	state BoostState
}

// NewBoostTimer creates an inactive timer.
func NewBoostTimer(clock clockwork.Clock) *BoostTimer {
	return &BoostTimer{clock: clock}
}

// Activate opens a window of d from now. It refuses while a window is still open.
func (b *BoostTimer) Activate(d time.Duration) error {
	if active, _ := b.Check(); active {
		return ErrBoostActive
	}
	end := b.clock.Now().Add(d).UnixMilli()
	b.state = BoostState{Active: true, EndTime: &end}
	return nil
}

// Check reports whether the window is open. expired is true exactly once:
// on the call that observes the transition from active to inactive.
func (b *BoostTimer) Check() (active, expired bool) {
	if !b.state.Active {
		return false, false
	}
	if b.clock.Now().UnixMilli() < *b.state.EndTime {
		return true, false
	}
	b.state = BoostState{}
	return false, true
}

// Remaining returns the time left in the window, or 0. It does not transition state.
func (b *BoostTimer) Remaining() time.Duration {
	if !b.state.Active {
		return 0
	}
	left := time.UnixMilli(*b.state.EndTime).Sub(b.clock.Now())
	if left < 0 {
		return 0
	}
	return left
}

// State returns a copy of the persisted form.
func (b *BoostTimer) State() BoostState {
	if !b.state.Active {
		return BoostState{}
	}
	end := *b.state.EndTime
	return BoostState{Active: true, EndTime: &end}
}

// Restore loads a persisted window. Inconsistent records become inactive.
func (b *BoostTimer) Restore(s BoostState) {
	if !s.Active || s.EndTime == nil {
		b.state = BoostState{}
		return
	}
	end := *s.EndTime
	b.state = BoostState{Active: true, EndTime: &end}
}

// Clear closes the window without reporting an expiry.
func (b *BoostTimer) Clear() {
	b.state = BoostState{}
}
