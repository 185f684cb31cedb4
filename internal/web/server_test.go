package web

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sodmax/cityverse-miner/internal/events"
	"github.com/sodmax/cityverse-miner/internal/ledger"
	"github.com/sodmax/cityverse-miner/internal/metrics"
	"github.com/sodmax/cityverse-miner/internal/miner"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeEngine struct {
	mu       sync.Mutex
	mineErr  error
	boostErr error
	buyErr   error
	auto     bool
	view     miner.View
}

func (f *fakeEngine) Mine(context.Context) (miner.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mineErr != nil {
		return miner.Outcome{Status: miner.OutcomeRejected}, f.mineErr
	}
	f.view.Mining.TotalMined += 21
	return miner.Outcome{
		Claim:  miner.Claim{ID: "claim-1", Amount: 21, Source: miner.SourceManual},
		Status: miner.OutcomeConfirmed,
		Mining: f.view.Mining,
	}, nil
}

func (f *fakeEngine) EnableAuto() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auto = true
	return nil
}

func (f *fakeEngine) DisableAuto() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auto = false
}

func (f *fakeEngine) ActivateBoost(context.Context) error { return f.boostErr }

func (f *fakeEngine) Purchase(_ context.Context, id string) (ledger.Upgrade, error) {
	if f.buyErr != nil {
		return ledger.Upgrade{}, f.buyErr
	}
	return ledger.Upgrade{ID: id, Level: 1, Cost: 750}, nil
}

func (f *fakeEngine) Refresh(context.Context) error { return nil }

func (f *fakeEngine) View() miner.View {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.view
	v.AutoMining.Enabled = f.auto
	return v
}

func (f *fakeEngine) History() []miner.HistoryEntry {
	return []miner.HistoryEntry{{ClaimID: "claim-1", Amount: 21, Status: miner.StatusConfirmed}}
}

func (f *fakeEngine) Upgrades() []ledger.Upgrade { return miner.DefaultUpgrades() }

type fakeLifecycle struct{ got []miner.LifecycleSignal }

func (f *fakeLifecycle) Publish(sig miner.LifecycleSignal) { f.got = append(f.got, sig) }

func newTestServer(eng *fakeEngine, lc Lifecycle) *Server {
	eng.view.UserID = "user-42"
	reg := prometheus.NewRegistry()
	metrics.New(reg).Coalesced()
	return New(Options{Engine: eng, Lifecycle: lc, Gatherer: reg})
}

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestMineEndpoint(t *testing.T) {
	s := newTestServer(&fakeEngine{}, nil)

	w := do(t, s, http.MethodPost, "/mine")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "confirmed", body["status"])
	assert.Equal(t, 21.0, body["amount"])
	assert.Equal(t, "claim-1", body["claimId"])
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"in flight", miner.ErrClaimInFlight, http.StatusConflict},
		{"unauthenticated", fmt.Errorf("%w: expired", miner.ErrUnauthenticated), http.StatusUnauthorized},
		{"rejected", &miner.RejectedError{Reason: "limit"}, http.StatusUnprocessableEntity},
		{"transient", fmt.Errorf("%w: timeout", miner.ErrTransient), http.StatusBadGateway},
		{"other", assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&fakeEngine{mineErr: tt.err}, nil)
			w := do(t, s, http.MethodPost, "/mine")
			assert.Equal(t, tt.want, w.Code)
			assert.Contains(t, decode(t, w)["error"], tt.err.Error())
		})
	}
}

func TestBoostEndpoint(t *testing.T) {
	s := newTestServer(&fakeEngine{boostErr: miner.ErrBoostActive}, nil)
	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, "/boost").Code)

	s = newTestServer(&fakeEngine{boostErr: miner.ErrInsufficientFunds}, nil)
	assert.Equal(t, http.StatusPaymentRequired, do(t, s, http.MethodPost, "/boost").Code)

	s = newTestServer(&fakeEngine{}, nil)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/boost").Code)
}

func TestAutoEndpoints(t *testing.T) {
	eng := &fakeEngine{}
	s := newTestServer(eng, nil)

	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/auto/enable").Code)
	assert.True(t, eng.View().AutoMining.Enabled)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/auto/disable").Code)
	assert.False(t, eng.View().AutoMining.Enabled)
}

func TestPurchaseEndpoint(t *testing.T) {
	s := newTestServer(&fakeEngine{}, nil)
	w := do(t, s, http.MethodPost, "/upgrades/drill/purchase")
	require.Equal(t, http.StatusOK, w.Code)
	up := decode(t, w)["upgrade"].(map[string]any)
	assert.Equal(t, "drill", up["id"])

	s = newTestServer(&fakeEngine{buyErr: fmt.Errorf("%w: %q", miner.ErrUnknownUpgrade, "laser")}, nil)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/upgrades/laser/purchase").Code)
}

func TestReadEndpoints(t *testing.T) {
	s := newTestServer(&fakeEngine{}, nil)

	w := do(t, s, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["session"])

	w = do(t, s, http.MethodGet, "/state")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-42", decode(t, w)["userId"])

	w = do(t, s, http.MethodGet, "/history")
	assert.Len(t, decode(t, w)["history"], 1)

	w = do(t, s, http.MethodGet, "/upgrades")
	assert.Len(t, decode(t, w)["upgrades"], len(miner.DefaultUpgrades()))

	w = do(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cityminer_claims_coalesced_total 1")

	w = do(t, s, http.MethodGet, "/")
	assert.Contains(t, w.Body.String(), "<title>cityminer console</title>")
}

func TestLifecycleEndpoint(t *testing.T) {
	lc := &fakeLifecycle{}
	s := newTestServer(&fakeEngine{}, lc)

	assert.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/lifecycle/background").Code)
	assert.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/lifecycle/resume").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/lifecycle/sideways").Code)
	assert.Equal(t, []miner.LifecycleSignal{miner.Background, miner.Foreground}, lc.got)

	s = newTestServer(&fakeEngine{}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodPost, "/lifecycle/background").Code)
}

func TestSSEReplaysHistory(t *testing.T) {
	s := newTestServer(&fakeEngine{}, nil)
	require.NoError(t, s.Hub().Publish(context.Background(), events.Event{Type: events.TypeReward, Message: "+21 mined (manual)"}))

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e events.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e))
		assert.Equal(t, events.TypeReward, e.Type)
		assert.NotEmpty(t, e.Time)
		return
	}
	t.Fatal("no event received")
}

func TestHubHistoryBounded(t *testing.T) {
	hub := NewEventHub()
	for i := range maxHistory + 5 {
		require.NoError(t, hub.Publish(context.Background(), events.Event{Message: fmt.Sprint(i)}))
	}
	recent := hub.Recent(0)
	require.Len(t, recent, maxHistory)
	assert.Equal(t, "5", recent[0].Message)
	assert.Equal(t, fmt.Sprint(maxHistory+4), hub.Recent(1)[0].Message)
}

func TestStartFallsBackToNextPort(t *testing.T) {
	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	s := New(Options{Engine: &fakeEngine{}, Port: busy})
	_, err = s.Start(true)
	assert.Error(t, err, "pinned port in use")

	got, err := s.Start(false)
	require.NoError(t, err)
	defer s.Shutdown(context.Background())
	assert.Greater(t, got, busy)
}
