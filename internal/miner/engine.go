package miner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/sodmax/cityverse-miner/internal/events"
	"github.com/sodmax/cityverse-miner/internal/ledger"
	"github.com/sodmax/cityverse-miner/internal/metrics"
	"github.com/sodmax/cityverse-miner/internal/store"
)

// Ledger is the remote authority for claims, boosts and upgrades.
type Ledger interface {
	SubmitClaim(ctx context.Context, req *ledger.ClaimRequest) (*ledger.ClaimResponse, error)
	Refresh(ctx context.Context) (*ledger.RefreshResponse, error)
	ActivateBoost(ctx context.Context, req *ledger.BoostRequest) (*ledger.ActionResponse, error)
	PurchaseUpgrade(ctx context.Context, req *ledger.UpgradeRequest) (*ledger.ActionResponse, error)
}

// Wallet reports the spendable balance.
type Wallet interface {
	Balance(ctx context.Context) (float64, error)
}

// CatchUpPolicy decides how missed auto-mining periods are handled on resume.
type CatchUpPolicy string

const (
	CatchUpCapped CatchUpPolicy = "capped"
	CatchUpNone   CatchUpPolicy = "none"
)

const (
	defaultClaimTimeout      = 10 * time.Second
	defaultRefreshInterval   = time.Minute
	defaultBoostCost         = 500
	defaultMaxCatchUpPeriods = 12
	persistTimeout           = 5 * time.Second
)

// Options tunes the engine. Zero fields take defaults, except RefreshInterval
// where zero disables the periodic refresh.
type Options struct {
	AutoInterval      time.Duration
	ClaimTimeout      time.Duration
	RefreshInterval   time.Duration
	BoostDuration     time.Duration
	BoostCost         float64
	CatchUp           CatchUpPolicy
	MaxCatchUpPeriods int
	HistorySize       int
}

// DefaultOptions returns production settings.
func DefaultOptions() Options {
	return Options{
		AutoInterval:      DefaultAutoInterval,
		ClaimTimeout:      defaultClaimTimeout,
		RefreshInterval:   defaultRefreshInterval,
		BoostDuration:     DefaultBoostDuration,
		BoostCost:         defaultBoostCost,
		CatchUp:           CatchUpCapped,
		MaxCatchUpPeriods: defaultMaxCatchUpPeriods,
		HistorySize:       DefaultHistorySize,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.AutoInterval <= 0 {
		o.AutoInterval = d.AutoInterval
	}
	if o.ClaimTimeout <= 0 {
		o.ClaimTimeout = d.ClaimTimeout
	}
	if o.RefreshInterval < 0 {
		o.RefreshInterval = 0
	}
	if o.BoostDuration <= 0 {
		o.BoostDuration = d.BoostDuration
	}
	if o.BoostCost < 0 {
		o.BoostCost = d.BoostCost
	}
	if o.CatchUp == "" {
		o.CatchUp = d.CatchUp
	}
	if o.MaxCatchUpPeriods <= 0 {
		o.MaxCatchUpPeriods = d.MaxCatchUpPeriods
	}
	if o.HistorySize <= 0 {
		o.HistorySize = d.HistorySize
	}
	return o
}

// Deps are the engine's collaborators. Ledger is required; the rest default.
type Deps struct {
	Ledger    Ledger
	Wallet    Wallet // defaults to Ledger if it has a Balance method
	Store     store.Store
	Clock     clockwork.Clock
	Metrics   *metrics.Metrics
	Lifecycle LifecycleSource
	OnEvent   func(events.Event)
}

// Session identifies the authenticated user.
type Session struct {
	UserID string
}

// View is a read-only picture of the engine for display.
type View struct {
	UserID           string             `json:"userId"`
	Mining           ledger.MiningState `json:"miningState"`
	Boost            BoostState         `json:"boost"`
	BoostRemainingMs int64              `json:"boostRemainingMs"`
	AutoMining       AutoMiningState    `json:"autoMining"`
	AutoRunning      bool               `json:"autoRunning"`
	Suspended        bool               `json:"suspended"`
	ClaimInFlight    bool               `json:"claimInFlight"`
	NextReward       float64            `json:"nextReward"`
}

// Engine owns the mining state for one session.
//
// Synchronous steps run under mu. Any step that talks to the ledger and then
// mutates state first takes the single flight slot, so at most one such
// operation is outstanding. Every session start, stop and logout bumps gen;
// a result that returns under an older gen is dropped.
type Engine struct {
	ledger    Ledger
	wallet    Wallet
	store     store.Store
	clock     clockwork.Clock
	metrics   *metrics.Metrics
	lifecycle LifecycleSource
	onEvent   func(events.Event)
	opts      Options

	slot     *semaphore.Weighted
	refreshG singleflight.Group
	saveMu   sync.Mutex
	inflight sync.WaitGroup

	mu           sync.Mutex
	session      *Session
	gen          uint64
	sessCtx      context.Context
	sessCancel   context.CancelFunc
	mining       ledger.MiningState
	boost        *BoostTimer
	boostTimer   clockwork.Timer
	auto         AutoMiningState
	sched        *Scheduler
	history      *History
	upgrades     []ledger.Upgrade
	lastAutoTick int64
	suspendedAt  int64
	suspended    bool
	claiming     bool
}

// New creates a stopped engine.
func New(deps Deps, opts Options) *Engine {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Store == nil {
		deps.Store = store.NewMemoryStore()
	}
	if deps.Wallet == nil {
		if w, ok := deps.Ledger.(Wallet); ok {
			deps.Wallet = w
		}
	}
	opts = opts.withDefaults()
	e := &Engine{
		ledger:    deps.Ledger,
		wallet:    deps.Wallet,
		store:     deps.Store,
		clock:     deps.Clock,
		metrics:   deps.Metrics,
		lifecycle: deps.Lifecycle,
		onEvent:   deps.OnEvent,
		opts:      opts,
		slot:      semaphore.NewWeighted(1),
		boost:     NewBoostTimer(deps.Clock),
		history:   NewHistory(opts.HistorySize),
	}
	e.resetLocked()
	return e
}

// Start begins a session, restoring the user's snapshot if one exists.
// An enabled scheduler and an open boost window are resumed.
func (e *Engine) Start(ctx context.Context, sess Session) error {
	if sess.UserID == "" {
		return ErrNoSession
	}
	if e.Active() {
		return ErrAlreadyStarted
	}

	snap := e.load(ctx, sess.UserID)

	var evts []events.Event
	e.mu.Lock()
	if e.session != nil {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.gen++
	gen := e.gen
	e.session = &sess
	e.sessCtx, e.sessCancel = context.WithCancel(context.Background())
	sessCtx := e.sessCtx
	e.install(snap)
	active, _ := e.checkBoostLocked(&evts)
	e.armBoostLocked()
	autoOn := e.auto.Enabled
	if autoOn {
		// Time the process was not running is never credited.
		e.lastAutoTick = e.clock.Now().UnixMilli()
		e.startSchedulerLocked()
	}
	e.metrics.SetAuto(autoOn)
	e.metrics.SetBoost(active)
	e.mu.Unlock()

	if e.lifecycle != nil {
		ch, unsubscribe := e.lifecycle.Subscribe()
		go e.watchLifecycle(sessCtx, ch, unsubscribe)
	}
	if e.opts.RefreshInterval > 0 {
		go e.refreshLoop(sessCtx, gen)
	}

	slog.Info("engine started", "user", sess.UserID, "restored", snap != nil,
		"auto", autoOn, "boost", active)
	e.dispatch(evts)
	e.persist()
	return nil
}

// Stop flushes the snapshot and ends the session. An in-flight claim is not awaited;
// its result is discarded.
func (e *Engine) Stop() {
	e.persist()
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return
	}
	user := e.session.UserID
	e.teardownLocked()
	e.mu.Unlock()
	slog.Info("engine stopped", "user", user)
}

// Logout ends the session and deletes the user's snapshot.
func (e *Engine) Logout(ctx context.Context) error {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return nil
	}
	user := e.session.UserID
	e.teardownLocked()
	e.resetLocked()
	e.metrics.SetAuto(false)
	e.metrics.SetBoost(false)
	e.mu.Unlock()

	// Serialized with persist so a write that started before logout cannot land after the delete.
	e.saveMu.Lock()
	err := e.store.Delete(ctx, store.SnapshotKey(user))
	e.saveMu.Unlock()
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	slog.Info("logged out", "user", user)
	return nil
}

// Active reports whether a session is running.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session != nil
}

// Mine submits one manual claim.
func (e *Engine) Mine(ctx context.Context) (Outcome, error) {
	if !e.slot.TryAcquire(1) {
		return Outcome{}, ErrClaimInFlight
	}
	defer e.slot.Release(1)

	c, err := e.prepareClaim(SourceManual, 1, true)
	if err != nil {
		return Outcome{}, err
	}
	return e.submit(ctx, c)
}

// EnableAuto turns auto-mining on and makes sure the scheduler is running.
func (e *Engine) EnableAuto() error {
	var evts []events.Event
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return ErrNoSession
	}
	if !e.auto.Enabled {
		e.auto.Enabled = true
		e.lastAutoTick = e.clock.Now().UnixMilli()
		evts = append(evts, e.event(events.TypeAutoEnabled,
			fmt.Sprintf("Auto-mining enabled (every %s)", e.opts.AutoInterval), nil))
	}
	if !e.suspended {
		e.startSchedulerLocked()
	}
	e.metrics.SetAuto(true)
	e.mu.Unlock()

	e.persist()
	e.dispatch(evts)
	return nil
}

// DisableAuto turns auto-mining off. Always permitted.
func (e *Engine) DisableAuto() {
	var evts []events.Event
	e.mu.Lock()
	e.disableAutoLocked(&evts, "Auto-mining disabled")
	e.mu.Unlock()

	e.persist()
	e.dispatch(evts)
}

func (e *Engine) disableAutoLocked(evts *[]events.Event, msg string) {
	e.stopSchedulerLocked()
	if !e.auto.Enabled {
		return
	}
	e.auto.Enabled = false
	e.metrics.SetAuto(false)
	*evts = append(*evts, e.event(events.TypeAutoDisabled, msg, nil))
}

// ActivateBoost opens a boost window after the ledger debits the cost.
func (e *Engine) ActivateBoost(ctx context.Context) error {
	if err := e.slot.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.slot.Release(1)

	var evts []events.Event
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return ErrNoSession
	}
	gen := e.gen
	active, expired := e.checkBoostLocked(&evts)
	if active {
		remaining := e.boost.Remaining().Round(time.Second)
		evts = append(evts, e.event(events.TypeNotice,
			fmt.Sprintf("Boost already active (%s left)", remaining), nil))
	}
	e.mu.Unlock()
	e.dispatch(evts)
	if expired {
		e.persist()
	}
	if active {
		return ErrBoostActive
	}

	if err := e.ensureFunds(ctx, e.opts.BoostCost, "boost"); err != nil {
		return err
	}

	resp, err := e.ledger.ActivateBoost(ctx, &ledger.BoostRequest{
		DurationMs: e.opts.BoostDuration.Milliseconds(),
		Cost:       e.opts.BoostCost,
	})
	if err == nil && !resp.Success {
		err = rejection(resp.Error, resp.Message)
	} else if err != nil {
		err = classify(err)
	}
	if err != nil {
		e.noteFailure(err)
		return fmt.Errorf("activate boost: %w", err)
	}

	evts = nil
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return ErrNoSession
	}
	if err := e.boost.Activate(e.opts.BoostDuration); err != nil {
		e.mu.Unlock()
		return err
	}
	e.armBoostLocked()
	e.metrics.SetBoost(true)
	evts = append(evts, e.event(events.TypeBoostActivated,
		fmt.Sprintf("Boost active: %dx rewards for %s", BoostMultiplier, e.opts.BoostDuration), e.boost.State()))
	e.mu.Unlock()

	slog.Info("boost activated", "duration", e.opts.BoostDuration, "cost", e.opts.BoostCost)
	e.persist()
	e.dispatch(evts)
	return nil
}

// Refresh replaces local mining figures and the catalog with the ledger's.
// Concurrent callers share one request.
func (e *Engine) Refresh(ctx context.Context) error {
	_, err, _ := e.refreshG.Do("refresh", func() (any, error) {
		return nil, e.refresh(ctx)
	})
	return err
}

func (e *Engine) refresh(ctx context.Context) error {
	if err := e.slot.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.slot.Release(1)

	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return ErrNoSession
	}
	gen := e.gen
	e.mu.Unlock()

	resp, err := e.ledger.Refresh(ctx)
	if err == nil && !resp.Success {
		err = rejection(resp.Error, resp.Message)
	} else if err != nil {
		err = classify(err)
	}
	if err != nil {
		e.metrics.Refreshed(false)
		e.noteFailure(err)
		return err
	}

	var evts []events.Event
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return ErrNoSession
	}
	e.mining = normalize(resp.MiningState)
	if len(resp.Upgrades) > 0 {
		e.upgrades = append([]ledger.Upgrade(nil), resp.Upgrades...)
	}
	if resp.DailyReset {
		evts = append(evts, e.event(events.TypeDailyReset, "Daily earnings reset", nil))
	}
	evts = append(evts, e.event(events.TypeRefresh,
		fmt.Sprintf("Synced: level %d, %s total", e.mining.Level, formatAmount(e.mining.TotalMined)), e.mining))
	e.mu.Unlock()

	e.metrics.Refreshed(true)
	e.persist()
	e.dispatch(evts)
	return nil
}

// ResetDaily zeroes today's earnings.
func (e *Engine) ResetDaily() {
	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return
	}
	e.mining.TodayEarned = 0
	evt := e.event(events.TypeDailyReset, "Daily earnings reset", nil)
	e.mu.Unlock()

	e.persist()
	e.dispatch([]events.Event{evt})
}

// View returns the current state. Reading it also retires an expired boost.
func (e *Engine) View() View {
	var evts []events.Event
	e.mu.Lock()
	active, expired := e.checkBoostLocked(&evts)
	v := View{
		Mining:           e.mining,
		Boost:            e.boost.State(),
		BoostRemainingMs: e.boost.Remaining().Milliseconds(),
		AutoMining:       e.auto,
		AutoRunning:      e.sched != nil && e.sched.Running(),
		Suspended:        e.suspended,
		ClaimInFlight:    e.claiming,
		NextReward:       ComputeReward(e.mining, active),
	}
	if e.session != nil {
		v.UserID = e.session.UserID
	}
	e.mu.Unlock()

	e.dispatch(evts)
	if expired {
		e.persist()
	}
	return v
}

// History returns resolved claims, oldest first.
func (e *Engine) History() []HistoryEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.Entries()
}

// Flush writes the snapshot now.
func (e *Engine) Flush() {
	e.persist()
}

func (e *Engine) autoTick(gen uint64) {
	if !e.slot.TryAcquire(1) {
		e.metrics.Coalesced()
		slog.Debug("auto tick coalesced, claim in flight")
		return
	}

	e.mu.Lock()
	live := e.gen == gen && e.session != nil && e.auto.Enabled && !e.suspended
	ctx := e.sessCtx
	e.mu.Unlock()
	if !live {
		e.slot.Release(1)
		return
	}

	c, err := e.prepareClaim(SourceAuto, 1, true)
	if err != nil {
		e.slot.Release(1)
		if !errors.Is(err, ErrZeroReward) {
			slog.Debug("auto tick skipped", "error", err)
		}
		return
	}

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		defer e.slot.Release(1)
		if _, err := e.submit(ctx, c); err != nil {
			slog.Warn("auto claim failed", "claim", shortID(c.ID), "error", err)
		}
	}()
}

func (e *Engine) startSchedulerLocked() {
	if e.sched == nil {
		gen := e.gen
		e.sched = NewScheduler(e.clock, e.opts.AutoInterval, func(time.Time) { e.autoTick(gen) })
	}
	e.sched.Start()
}

func (e *Engine) stopSchedulerLocked() {
	if e.sched != nil {
		e.sched.Stop()
		e.sched = nil
	}
}

// checkBoostLocked retires an ended window. It is the only place expiry is reported.
func (e *Engine) checkBoostLocked(evts *[]events.Event) (active, expired bool) {
	active, expired = e.boost.Check()
	if expired {
		e.disarmBoostLocked()
		e.metrics.SetBoost(false)
		*evts = append(*evts, e.event(events.TypeBoostExpired, "Boost expired", nil))
		slog.Info("boost expired")
	}
	return active, expired
}

func (e *Engine) armBoostLocked() {
	e.disarmBoostLocked()
	if e.suspended || !e.boost.State().Active {
		return
	}
	gen := e.gen
	e.boostTimer = e.clock.AfterFunc(e.boost.Remaining(), func() { e.onBoostTimer(gen) })
}

func (e *Engine) disarmBoostLocked() {
	if e.boostTimer != nil {
		e.boostTimer.Stop()
		e.boostTimer = nil
	}
}

func (e *Engine) onBoostTimer(gen uint64) {
	var evts []events.Event
	e.mu.Lock()
	if e.gen != gen || e.session == nil {
		e.mu.Unlock()
		return
	}
	active, expired := e.checkBoostLocked(&evts)
	if active {
		e.armBoostLocked()
	}
	e.mu.Unlock()

	e.dispatch(evts)
	if expired {
		e.persist()
	}
}

func (e *Engine) refreshLoop(ctx context.Context, gen uint64) {
	ticker := e.clock.NewTicker(e.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.mu.Lock()
			skip := e.gen != gen || e.suspended
			e.mu.Unlock()
			if skip {
				continue
			}
			if err := e.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("periodic refresh failed", "error", err)
			}
		}
	}
}

func (e *Engine) watchLifecycle(ctx context.Context, ch <-chan LifecycleSignal, unsubscribe func()) {
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			if err := e.HandleLifecycle(ctx, sig); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("lifecycle transition failed", "signal", sig, "error", err)
			}
		}
	}
}

// noteFailure stops auto-mining when the ledger says the session is dead.
func (e *Engine) noteFailure(err error) {
	if !errors.Is(err, ErrUnauthenticated) {
		return
	}
	var evts []events.Event
	e.mu.Lock()
	e.disableAutoLocked(&evts, "Auto-mining stopped: session is no longer authenticated")
	e.mu.Unlock()
	if len(evts) > 0 {
		e.persist()
		e.dispatch(evts)
	}
}

func (e *Engine) teardownLocked() {
	e.gen++
	e.sessCancel()
	e.stopSchedulerLocked()
	e.disarmBoostLocked()
	e.session = nil
	e.suspended = false
	e.suspendedAt = 0
	e.claiming = false
}

func (e *Engine) resetLocked() {
	e.mining = DefaultMiningState()
	e.boost.Clear()
	e.auto = AutoMiningState{}
	e.history.Reset(nil)
	e.upgrades = DefaultUpgrades()
	e.lastAutoTick = 0
}

func (e *Engine) install(snap *Snapshot) {
	e.resetLocked()
	if snap == nil {
		return
	}
	e.mining = snap.Mining
	e.boost.Restore(snap.Boost)
	e.auto = snap.AutoMining
	e.history.Reset(snap.History)
	if len(snap.Upgrades) > 0 {
		e.upgrades = append([]ledger.Upgrade(nil), snap.Upgrades...)
	}
	e.lastAutoTick = snap.LastAutoTick
}

// load returns the stored snapshot, or nil to start fresh. Storage trouble is
// logged, never fatal.
func (e *Engine) load(ctx context.Context, userID string) *Snapshot {
	data, err := e.store.Load(ctx, store.SnapshotKey(userID))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("snapshot load failed, starting fresh", "user", userID, "error", err)
		}
		return nil
	}
	snap, err := DecodeSnapshot(data)
	if err != nil {
		slog.Warn("snapshot unreadable, starting fresh", "user", userID, "error", err)
		return nil
	}
	if snap.UserID != "" && snap.UserID != userID {
		slog.Warn("snapshot belongs to another user, ignoring", "user", userID)
		return nil
	}
	return snap
}

func (e *Engine) snapshotLocked() *Snapshot {
	return &Snapshot{
		Version:      snapshotVersion,
		UserID:       e.session.UserID,
		Mining:       e.mining,
		Boost:        e.boost.State(),
		AutoMining:   e.auto,
		History:      e.history.Entries(),
		Upgrades:     append([]ledger.Upgrade(nil), e.upgrades...),
		LastAutoTick: e.lastAutoTick,
		SavedAt:      e.clock.Now().UnixMilli(),
	}
}

// persist writes the current snapshot. Writes are serialized and each captures
// state at write time, so a later write never carries older state. Failures
// are logged and counted; the engine keeps running.
func (e *Engine) persist() {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	e.mu.Lock()
	if e.session == nil {
		e.mu.Unlock()
		return
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()

	data, err := snap.Encode()
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err = e.store.Save(ctx, store.SnapshotKey(snap.UserID), data)
		cancel()
	}
	if err != nil {
		e.metrics.PersistFailed()
		slog.Warn("snapshot save failed", "user", snap.UserID, "error", err)
	}
}

func (e *Engine) event(typ, msg string, data any) events.Event {
	evt := events.Event{Type: typ, Message: msg, Data: data}
	if e.session != nil {
		evt.UserID = e.session.UserID
	}
	return evt.Stamp(e.clock.Now())
}

func (e *Engine) dispatch(evts []events.Event) {
	if e.onEvent == nil {
		return
	}
	for _, evt := range evts {
		e.onEvent(evt)
	}
}
