// Package metrics exposes Prometheus collectors for the accrual engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cityminer"

// Metrics groups the engine collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// ClaimsTotal counts resolved claims.
	// Labels: source (manual, auto), outcome (confirmed, corrected, rejected, failed, discarded)
	ClaimsTotal *prometheus.CounterVec

	// ClaimsCoalesced counts auto ticks skipped because a claim was already in flight.
	ClaimsCoalesced prometheus.Counter

	// ClaimDuration measures submit round-trip time.
	ClaimDuration *prometheus.HistogramVec

	// ClaimsInFlight is 0 or 1.
	ClaimsInFlight prometheus.Gauge

	// RewardTotal sums confirmed reward amounts by source.
	RewardTotal *prometheus.CounterVec

	BoostActive       prometheus.Gauge
	AutoMiningEnabled prometheus.Gauge
	PersistFailures   prometheus.Counter

	// RefreshTotal counts refreshes. Labels: status (success, error)
	RefreshTotal *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ClaimsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Accrual claims by source and outcome",
		}, []string{"source", "outcome"}),
		ClaimsCoalesced: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_coalesced_total",
			Help:      "Auto-mining ticks skipped while a claim was in flight",
		}),
		ClaimDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "claim_duration_seconds",
			Help:      "Claim submission round-trip time",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"source"}),
		ClaimsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "claims_in_flight",
			Help:      "Claims awaiting a ledger response",
		}),
		RewardTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reward_amount_total",
			Help:      "Confirmed reward amount by source",
		}, []string{"source"}),
		BoostActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "boost_active",
			Help:      "1 while a boost window is open",
		}),
		AutoMiningEnabled: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "auto_mining_enabled",
			Help:      "1 while the auto-mining scheduler is enabled",
		}),
		PersistFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Snapshot writes that failed",
		}),
		RefreshTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Remote state refreshes by status",
		}, []string{"status"}),
	}
}

func (m *Metrics) ClaimStarted() {
	if m == nil {
		return
	}
	m.ClaimsInFlight.Inc()
}

func (m *Metrics) ClaimFinished(source, outcome string, amount float64, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ClaimsInFlight.Dec()
	m.ClaimsTotal.WithLabelValues(source, outcome).Inc()
	m.ClaimDuration.WithLabelValues(source).Observe(elapsed.Seconds())
	if outcome == "confirmed" || outcome == "corrected" {
		m.RewardTotal.WithLabelValues(source).Add(amount)
	}
}

func (m *Metrics) Coalesced() {
	if m == nil {
		return
	}
	m.ClaimsCoalesced.Inc()
}

func (m *Metrics) SetBoost(active bool) {
	if m == nil {
		return
	}
	m.BoostActive.Set(boolGauge(active))
}

func (m *Metrics) SetAuto(enabled bool) {
	if m == nil {
		return
	}
	m.AutoMiningEnabled.Set(boolGauge(enabled))
}

func (m *Metrics) PersistFailed() {
	if m == nil {
		return
	}
	m.PersistFailures.Inc()
}

func (m *Metrics) Refreshed(ok bool) {
	if m == nil {
		return
	}
	status := "success"
	if !ok {
		status = "error"
	}
	m.RefreshTotal.WithLabelValues(status).Inc()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
