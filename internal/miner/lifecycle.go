package miner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sodmax/cityverse-miner/internal/events"
)

// LifecycleSignal is a host visibility transition.
type LifecycleSignal int

const (
	Foreground LifecycleSignal = iota
	Background
)

func (s LifecycleSignal) String() string {
	if s == Background {
		return "background"
	}
	return "foreground"
}

// ParseLifecycleSignal accepts "foreground"/"resume" and "background"/"suspend".
func ParseLifecycleSignal(s string) (LifecycleSignal, error) {
	switch s {
	case "foreground", "resume":
		return Foreground, nil
	case "background", "suspend":
		return Background, nil
	default:
		return 0, fmt.Errorf("unknown lifecycle signal %q", s)
	}
}

// LifecycleSource delivers host transitions to the engine.
type LifecycleSource interface {
	Subscribe() (<-chan LifecycleSignal, func())
}

// LifecycleHub fans host transitions out to subscribers.
type LifecycleHub struct {
	mu      sync.RWMutex
	subs    map[chan LifecycleSignal]struct{}
	current LifecycleSignal
}

func NewLifecycleHub() *LifecycleHub {
	return &LifecycleHub{subs: make(map[chan LifecycleSignal]struct{})}
}

// Subscribe returns a channel of transitions and an unsubscribe function.
func (h *LifecycleHub) Subscribe() (<-chan LifecycleSignal, func()) {
	ch := make(chan LifecycleSignal, 8)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish records sig as current and delivers it. A full subscriber drops the signal.
func (h *LifecycleHub) Publish(sig LifecycleSignal) {
	h.mu.Lock()
	h.current = sig
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- sig:
		default:
			slog.Warn("lifecycle subscriber full, signal dropped", "signal", sig)
		}
	}
}

func (h *LifecycleHub) Foreground() { h.Publish(Foreground) }
func (h *LifecycleHub) Background() { h.Publish(Background) }

// Current returns the last published signal.
func (h *LifecycleHub) Current() LifecycleSignal {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// HandleLifecycle reacts to a host transition.
//
// Background flushes the snapshot and pauses the engine's own timers.
// Foreground re-checks the boost window against the wall clock, credits missed
// auto-mining periods when the engine had been suspended, restarts the
// scheduler and pulls fresh state from the ledger, in that order.
func (e *Engine) HandleLifecycle(ctx context.Context, sig LifecycleSignal) error {
	if sig == Background {
		return e.suspend()
	}
	return e.resume(ctx)
}

func (e *Engine) suspend() error {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return ErrNoSession
	}
	if !e.suspended {
		e.suspendedAt = e.clock.Now().UnixMilli()
	}
	e.suspended = true
	e.stopSchedulerLocked()
	e.disarmBoostLocked()
	evt := e.event(events.TypeLifecycle, "Suspended, state saved", nil)
	e.mu.Unlock()

	slog.Info("engine suspended")
	e.persist()
	e.dispatch([]events.Event{evt})
	return nil
}

func (e *Engine) resume(ctx context.Context) error {
	var evts []events.Event
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return ErrNoSession
	}
	wasSuspended := e.suspended
	e.suspended = false
	_, expired := e.checkBoostLocked(&evts)
	e.armBoostLocked()
	periods := 0
	if wasSuspended && e.auto.Enabled {
		periods = e.missedPeriodsLocked()
	}
	e.suspendedAt = 0
	evts = append(evts, e.event(events.TypeLifecycle, "Resumed", nil))
	e.mu.Unlock()

	slog.Info("engine resumed", "was_suspended", wasSuspended, "missed_periods", periods)
	e.dispatch(evts)
	if expired {
		e.persist()
	}

	if periods > 0 {
		if err := e.catchUp(ctx, periods); err != nil {
			slog.Warn("catch-up claim failed", "periods", periods, "error", err)
		}
	}

	e.mu.Lock()
	if e.session != nil && e.auto.Enabled && !e.suspended {
		e.startSchedulerLocked()
	}
	e.mu.Unlock()

	if err := e.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh after resume: %w", err)
	}
	return nil
}

// missedPeriodsLocked counts whole auto-mining periods elapsed while suspended,
// measured from the later of the suspension and the last confirmed auto claim,
// and bounded by the catch-up policy.
func (e *Engine) missedPeriodsLocked() int {
	from := max(e.lastAutoTick, e.suspendedAt)
	if e.opts.CatchUp == CatchUpNone || from == 0 {
		return 0
	}
	elapsed := e.clock.Now().Sub(time.UnixMilli(from))
	missed := int(elapsed / e.opts.AutoInterval)
	return min(missed, e.opts.MaxCatchUpPeriods)
}

// catchUp submits one claim covering periods at the unboosted rate.
func (e *Engine) catchUp(ctx context.Context, periods int) error {
	if err := e.slot.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.slot.Release(1)

	c, err := e.prepareClaim(SourceAuto, periods, false)
	if err != nil {
		return err
	}
	out, err := e.submit(ctx, c)
	if err != nil {
		return err
	}
	if out.Status == OutcomeConfirmed || out.Status == OutcomeCorrected {
		e.mu.Lock()
		evt := e.event(events.TypeCatchUp,
			fmt.Sprintf("Credited %d missed auto-mining periods (+%s)", periods, formatAmount(c.Amount)), e.rewardData(c))
		e.mu.Unlock()
		e.dispatch([]events.Event{evt})
	}
	return nil
}
