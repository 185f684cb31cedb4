package miner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/sodmax/cityverse-miner/internal/events"
	"github.com/sodmax/cityverse-miner/internal/ledger"
)

// costGrowth scales an upgrade's price after each purchase.
const costGrowth = 1.5

// DefaultUpgrades is the catalog used until the ledger sends its own.
func DefaultUpgrades() []ledger.Upgrade {
	return []ledger.Upgrade{
		{ID: "pickaxe", Name: "Reinforced Pickaxe", Cost: 100, PowerBonus: 1},
		{ID: "drill", Name: "Power Drill", Cost: 500, PowerBonus: 5},
		{ID: "cooling", Name: "Cooling Rig", Cost: 750, EfficiencyBonus: 0.1},
		{ID: "excavator", Name: "Excavator", Cost: 2500, PowerBonus: 20, EfficiencyBonus: 0.05},
	}
}

// NextCost is the price of the following level.
func NextCost(cost float64) float64 {
	return math.Ceil(cost * costGrowth)
}

// ApplyUpgrade returns the mining state and catalog entry after one purchase.
// Efficiency never exceeds 2.
func ApplyUpgrade(s ledger.MiningState, up ledger.Upgrade) (ledger.MiningState, ledger.Upgrade) {
	s.Level++
	s.Power += up.PowerBonus
	s.Efficiency = clampEfficiency(s.Efficiency + up.EfficiencyBonus)
	s = normalize(s)

	up.Level++
	up.Cost = NextCost(up.Cost)
	return s, up
}

// Upgrades returns a copy of the catalog.
func (e *Engine) Upgrades() []ledger.Upgrade {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.upgrades)
}

// Purchase buys one level of the upgrade. The balance is checked first and the
// ledger must acknowledge the debit before the bonus is applied locally.
func (e *Engine) Purchase(ctx context.Context, id string) (ledger.Upgrade, error) {
	if err := e.slot.Acquire(ctx, 1); err != nil {
		return ledger.Upgrade{}, err
	}
	defer e.slot.Release(1)

	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return ledger.Upgrade{}, ErrNoSession
	}
	gen := e.gen
	idx := slices.IndexFunc(e.upgrades, func(u ledger.Upgrade) bool { return u.ID == id })
	if idx < 0 {
		e.mu.Unlock()
		return ledger.Upgrade{}, fmt.Errorf("%w: %q", ErrUnknownUpgrade, id)
	}
	up := e.upgrades[idx]
	e.mu.Unlock()

	if err := e.ensureFunds(ctx, up.Cost, up.Name); err != nil {
		return ledger.Upgrade{}, err
	}

	resp, err := e.ledger.PurchaseUpgrade(ctx, &ledger.UpgradeRequest{UpgradeID: up.ID, Cost: up.Cost})
	if err == nil && !resp.Success {
		err = rejection(resp.Error, resp.Message)
	} else if err != nil {
		err = classify(err)
	}
	if err != nil {
		e.noteFailure(err)
		return ledger.Upgrade{}, fmt.Errorf("purchase %s: %w", up.ID, err)
	}

	var evts []events.Event
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return ledger.Upgrade{}, ErrNoSession
	}
	e.mining, e.upgrades[idx] = ApplyUpgrade(e.mining, e.upgrades[idx])
	bought := e.upgrades[idx]
	evts = append(evts, e.event(events.TypeUpgrade,
		fmt.Sprintf("%s upgraded to level %d (next: %s)", bought.Name, bought.Level, formatAmount(bought.Cost)), bought))
	e.mu.Unlock()

	slog.Info("upgrade purchased", "upgrade", bought.ID, "level", bought.Level, "paid", up.Cost)
	e.persist()
	e.dispatch(evts)
	return bought, nil
}

// ensureFunds checks the wallet can cover cost before anything is debited.
func (e *Engine) ensureFunds(ctx context.Context, cost float64, what string) error {
	if e.wallet == nil {
		return nil
	}
	bal, err := e.wallet.Balance(ctx)
	if err != nil {
		err = classify(err)
		e.noteFailure(err)
		return fmt.Errorf("check balance: %w", err)
	}
	if bal < cost {
		e.mu.Lock()
		evt := e.event(events.TypeNotice,
			fmt.Sprintf("Not enough funds for %s: need %s, have %s", what, formatAmount(cost), formatAmount(bal)), nil)
		e.mu.Unlock()
		e.dispatch([]events.Event{evt})
		return ErrInsufficientFunds
	}
	return nil
}
