package miner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/sodmax/cityverse-miner/internal/events"
	"github.com/sodmax/cityverse-miner/internal/ledger"
)

// Claim sources.
const (
	SourceManual = "manual"
	SourceAuto   = "auto"
)

// Claim is one optimistic accrual awaiting the ledger's verdict.
type Claim struct {
	ID          string
	Amount      float64
	Source      string
	Boosted     bool
	Periods     int // >1 for a catch-up claim
	SubmittedAt time.Time
}

// OutcomeStatus is how a claim resolved.
type OutcomeStatus string

const (
	OutcomeConfirmed OutcomeStatus = "confirmed"
	OutcomeCorrected OutcomeStatus = "corrected" // confirmed, local figures replaced by the ledger's
	OutcomeRejected  OutcomeStatus = "rejected"  // authoritative refusal, delta reversed
	OutcomeFailed    OutcomeStatus = "failed"    // transport failure or timeout, delta reversed
	OutcomeDiscarded OutcomeStatus = "discarded" // session ended while in flight
)

// Outcome reports a resolved claim and the mining state after resolution.
type Outcome struct {
	Claim  Claim
	Status OutcomeStatus
	Mining ledger.MiningState
	Reason string
}

// ApplyClaim returns s with the claim's delta credited.
func ApplyClaim(s ledger.MiningState, c Claim) ledger.MiningState {
	s.TotalMined += c.Amount
	s.TodayEarned += c.Amount
	return s
}

// ReverseClaim returns s with the claim's delta removed. Exact inverse of ApplyClaim
// unless the daily counter was reset in between, in which case it stops at zero.
func ReverseClaim(s ledger.MiningState, c Claim) ledger.MiningState {
	s.TotalMined = nonNegative(s.TotalMined - c.Amount)
	s.TodayEarned = nonNegative(s.TodayEarned - c.Amount)
	return s
}

func newClaimID() string {
	return ksuid.New().String()
}

// SubmitClaim applies c optimistically, sends it, and reconciles the answer.
// Only one claim may be in flight; a second caller gets ErrClaimInFlight.
func (e *Engine) SubmitClaim(ctx context.Context, c Claim) (Outcome, error) {
	if !e.slot.TryAcquire(1) {
		return Outcome{}, ErrClaimInFlight
	}
	defer e.slot.Release(1)

	if !(c.Amount > 0) {
		return Outcome{}, ErrZeroReward
	}
	if c.ID == "" {
		c.ID = newClaimID()
	}
	if c.Source == "" {
		c.Source = SourceManual
	}
	if c.SubmittedAt.IsZero() {
		c.SubmittedAt = e.clock.Now()
	}
	return e.submit(ctx, c)
}

// prepareClaim prices a claim from the current state. Caller holds the flight slot.
func (e *Engine) prepareClaim(source string, periods int, allowBoost bool) (Claim, error) {
	var evts []events.Event
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return Claim{}, ErrNoSession
	}
	active, expired := e.checkBoostLocked(&evts)
	boosted := active && allowBoost
	amount := ComputeReward(e.mining, boosted) * float64(max(periods, 1))
	e.mu.Unlock()

	e.dispatch(evts)
	if expired {
		e.persist()
	}
	if amount <= 0 {
		return Claim{}, ErrZeroReward
	}
	return Claim{
		ID:          newClaimID(),
		Amount:      amount,
		Source:      source,
		Boosted:     boosted,
		Periods:     periods,
		SubmittedAt: e.clock.Now(),
	}, nil
}

// submit runs one claim to resolution. Caller holds the flight slot.
func (e *Engine) submit(ctx context.Context, c Claim) (Outcome, error) {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return Outcome{Claim: c, Status: OutcomeDiscarded}, ErrNoSession
	}
	gen := e.gen
	sessCtx := e.sessCtx
	e.mining = ApplyClaim(e.mining, c)
	e.claiming = true
	e.mu.Unlock()
	e.persist()

	e.metrics.ClaimStarted()
	start := e.clock.Now()

	reqCtx, cancel := context.WithTimeout(ctx, e.opts.ClaimTimeout)
	stop := context.AfterFunc(sessCtx, cancel)
	resp, err := e.ledger.SubmitClaim(reqCtx, &ledger.ClaimRequest{
		ClaimID:   c.ID,
		Amount:    c.Amount,
		Source:    c.Source,
		Boosted:   c.Boosted,
		Timestamp: c.SubmittedAt.UnixMilli(),
		Periods:   periodsField(c.Periods),
	})
	stop()
	cancel()
	elapsed := e.clock.Since(start)

	var evts []events.Event
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		e.metrics.ClaimFinished(c.Source, string(OutcomeDiscarded), c.Amount, elapsed)
		slog.Debug("claim result discarded, session ended", "claim", shortID(c.ID))
		return Outcome{Claim: c, Status: OutcomeDiscarded}, nil
	}
	e.claiming = false

	out := Outcome{Claim: c}
	var retErr error
	switch {
	case err != nil:
		retErr = claimError(err)
		out.Status = OutcomeRejected
		if errors.Is(retErr, ErrTransient) {
			out.Status = OutcomeFailed
		}
	case !resp.Success:
		retErr = rejection(resp.Error, resp.Message)
		out.Status = OutcomeRejected
		if errors.Is(retErr, ErrTransient) {
			out.Status = OutcomeFailed
		}
	default:
		out.Status = OutcomeConfirmed
		if resp.ServerState != nil {
			server := normalize(*resp.ServerState)
			if server != e.mining {
				e.mining = server
				out.Status = OutcomeCorrected
			}
		}
	}

	entry := HistoryEntry{
		ClaimID: c.ID,
		Time:    c.SubmittedAt.UnixMilli(),
		Amount:  c.Amount,
		Source:  c.Source,
		Boosted: c.Boosted,
		Periods: periodsField(c.Periods),
		Status:  string(out.Status),
	}

	if retErr != nil {
		e.mining = ReverseClaim(e.mining, c)
		out.Reason = retErr.Error()
		entry.Status = StatusReverted
		entry.Reason = out.Reason
		evts = append(evts, e.event(events.TypeRewardReverted,
			fmt.Sprintf("Claim of %s reverted: %s", formatAmount(c.Amount), out.Reason), e.rewardData(c)))
		if errors.Is(retErr, ErrUnauthenticated) {
			e.disableAutoLocked(&evts, "Auto-mining stopped: session is no longer authenticated")
		}
		slog.Warn("claim reverted", "claim", shortID(c.ID), "source", c.Source, "amount", c.Amount, "error", retErr)
	} else {
		if c.Source == SourceAuto {
			e.lastAutoTick = e.clock.Now().UnixMilli()
		}
		evts = append(evts, e.event(events.TypeReward, rewardMessage(c), e.rewardData(c)))
		if out.Status == OutcomeCorrected {
			evts = append(evts, e.event(events.TypeCorrected,
				fmt.Sprintf("Balance corrected by ledger: %s total", formatAmount(e.mining.TotalMined)), e.mining))
		}
		slog.Debug("claim confirmed", "claim", shortID(c.ID), "source", c.Source, "amount", c.Amount, "status", out.Status)
	}
	e.history.Append(entry)
	out.Mining = e.mining
	e.mu.Unlock()

	e.metrics.ClaimFinished(c.Source, string(out.Status), c.Amount, elapsed)
	e.persist()
	e.dispatch(evts)
	return out, retErr
}

// claimError classifies a failed submission. Anything that is not a structured
// ledger answer, including a timeout, is transient.
func claimError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: claim timed out", ErrTransient)
	}
	return classify(err)
}

func (e *Engine) rewardData(c Claim) events.RewardData {
	return events.RewardData{
		ClaimID:    c.ID,
		Amount:     c.Amount,
		Source:     c.Source,
		Boosted:    c.Boosted,
		TotalMined: e.mining.TotalMined,
	}
}

func rewardMessage(c Claim) string {
	msg := fmt.Sprintf("+%s mined (%s)", formatAmount(c.Amount), c.Source)
	if c.Boosted {
		msg += " [boost]"
	}
	if c.Periods > 1 {
		msg += fmt.Sprintf(" [%d periods]", c.Periods)
	}
	return msg
}

func periodsField(p int) int {
	if p > 1 {
		return p
	}
	return 0
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
