package miner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/sodmax/cityverse-miner/internal/events"
	"github.com/sodmax/cityverse-miner/internal/ledger"
	"github.com/sodmax/cityverse-miner/internal/metrics"
	"github.com/sodmax/cityverse-miner/internal/store"
)

const testUser = "user-42"

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// seedState prices a manual claim at 21 and a boosted one at 64.
func seedState() ledger.MiningState {
	return ledger.MiningState{Level: 1, Power: 18, Multiplier: 1, Efficiency: 1.2, TotalMined: 100}
}

type fakeLedger struct {
	mu          sync.Mutex
	claims      []ledger.ClaimRequest
	boosts      int
	purchases   []ledger.UpgradeRequest
	refreshes   int
	balance     float64
	remote      ledger.MiningState
	inFlight    int
	maxInFlight int

	onClaim    func(ctx context.Context, req *ledger.ClaimRequest) (*ledger.ClaimResponse, error)
	onBoost    func(ctx context.Context, req *ledger.BoostRequest) (*ledger.ActionResponse, error)
	onPurchase func(ctx context.Context, req *ledger.UpgradeRequest) (*ledger.ActionResponse, error)
	onRefresh  func(ctx context.Context) (*ledger.RefreshResponse, error)
}

func (f *fakeLedger) SubmitClaim(ctx context.Context, req *ledger.ClaimRequest) (*ledger.ClaimResponse, error) {
	f.mu.Lock()
	f.claims = append(f.claims, *req)
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	fn := f.onClaim
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if fn != nil {
		return fn(ctx, req)
	}
	return &ledger.ClaimResponse{Success: true}, nil
}

func (f *fakeLedger) Refresh(ctx context.Context) (*ledger.RefreshResponse, error) {
	f.mu.Lock()
	f.refreshes++
	fn, remote := f.onRefresh, f.remote
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return &ledger.RefreshResponse{Success: true, MiningState: remote}, nil
}

func (f *fakeLedger) ActivateBoost(ctx context.Context, req *ledger.BoostRequest) (*ledger.ActionResponse, error) {
	f.mu.Lock()
	f.boosts++
	fn := f.onBoost
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return &ledger.ActionResponse{Success: true}, nil
}

func (f *fakeLedger) PurchaseUpgrade(ctx context.Context, req *ledger.UpgradeRequest) (*ledger.ActionResponse, error) {
	f.mu.Lock()
	f.purchases = append(f.purchases, *req)
	fn := f.onPurchase
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return &ledger.ActionResponse{Success: true}, nil
}

func (f *fakeLedger) Balance(context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeLedger) claimCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.claims)
}

func (f *fakeLedger) lastClaim() ledger.ClaimRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claims[len(f.claims)-1]
}

func (f *fakeLedger) set(fn func(f *fakeLedger)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type recorder struct {
	mu   sync.Mutex
	evts []events.Event
}

func (r *recorder) record(evt events.Event) {
	r.mu.Lock()
	r.evts = append(r.evts, evt)
	r.mu.Unlock()
}

func (r *recorder) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.evts {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type harness struct {
	t       *testing.T
	clock   *clockwork.FakeClock
	ledger  *fakeLedger
	store   store.Store
	metrics *metrics.Metrics
	rec     *recorder
	opts    Options
	eng     *Engine
}

// newHarness starts an engine on a fake clock. A non-nil seed is stored as the
// user's snapshot before start.
func newHarness(t *testing.T, seed *ledger.MiningState, tweaks ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		clock:   clockwork.NewFakeClockAt(testEpoch),
		ledger:  &fakeLedger{balance: 1000, remote: DefaultMiningState()},
		store:   store.NewMemoryStore(),
		metrics: metrics.New(prometheus.NewRegistry()),
		rec:     &recorder{},
		opts: Options{
			AutoInterval:  5 * time.Second,
			ClaimTimeout:  time.Minute,
			BoostDuration: 30 * time.Second,
			BoostCost:     500,
		},
	}
	for _, tw := range tweaks {
		tw(&h.opts)
	}
	if seed != nil {
		snap := &Snapshot{Version: snapshotVersion, UserID: testUser, Mining: normalize(*seed)}
		data, err := snap.Encode()
		require.NoError(t, err)
		require.NoError(t, h.store.Save(context.Background(), store.SnapshotKey(testUser), data))
		h.ledger.remote = normalize(*seed)
	}
	h.eng = h.newEngine()
	require.NoError(t, h.eng.Start(context.Background(), Session{UserID: testUser}))
	return h
}

func (h *harness) newEngine() *Engine {
	e := New(Deps{
		Ledger:  h.ledger,
		Store:   h.store,
		Clock:   h.clock,
		Metrics: h.metrics,
		OnEvent: h.rec.record,
	}, h.opts)
	h.t.Cleanup(func() {
		e.Stop()
		e.inflight.Wait()
	})
	return e
}

// waitTicker blocks until n clock waiters (tickers, timers) are registered.
func (h *harness) waitTicker(n int) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(h.t, h.clock.BlockUntilContext(ctx, n))
}

// blockingClaims makes the fake ledger hold each claim until release is closed.
// started receives once per claim that reaches the ledger.
func (h *harness) blockingClaims() (started chan struct{}, release chan struct{}) {
	started = make(chan struct{}, 16)
	release = make(chan struct{})
	h.ledger.set(func(f *fakeLedger) {
		f.onClaim = func(ctx context.Context, req *ledger.ClaimRequest) (*ledger.ClaimResponse, error) {
			started <- struct{}{}
			select {
			case <-release:
				return &ledger.ClaimResponse{Success: true}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	})
	return started, release
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ledger call")
	}
}
