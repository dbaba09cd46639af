// Package metrics exposes Prometheus instrumentation for the position
// monitor. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "riskpilot"

// Metrics groups the collectors registered by New.
type Metrics struct {
	CyclesTotal     prometheus.Counter
	CycleDuration   prometheus.Histogram
	CyclePositions  prometheus.Gauge
	Evaluations     *prometheus.CounterVec
	DataGaps        *prometheus.CounterVec
	Triggers        *prometheus.CounterVec
	TrailingAdjusts *prometheus.CounterVec
	PositionsOpened *prometheus.CounterVec
	PositionsClosed *prometheus.CounterVec
	CloseFailures   *prometheus.CounterVec
	GatewayLatency  *prometheus.HistogramVec
	ProviderLatency prometheus.Histogram
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CyclesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "cycles_total",
			Help:      "Monitoring cycles run.",
		}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one monitoring cycle.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		CyclePositions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "open_positions",
			Help:      "Open positions seen by the last cycle.",
		}),
		Evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "evaluations_total",
			Help:      "Position evaluations by outcome.",
		}, []string{"outcome"}),
		DataGaps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "data_gaps_total",
			Help:      "Evaluations skipped because no price was available.",
		}, []string{"symbol"}),
		Triggers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "triggers_total",
			Help:      "Threshold crossings by reason.",
		}, []string{"reason"}),
		TrailingAdjusts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "trailing_adjustments_total",
			Help:      "Trailing stop ratchets by side.",
		}, []string{"side"}),
		PositionsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "opened_total",
			Help:      "Managed positions created.",
		}, []string{"side"}),
		PositionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "closed_total",
			Help:      "Managed positions closed by reason.",
		}, []string{"reason"}),
		CloseFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "close_failures_total",
			Help:      "Close attempts that left the position in error.",
		}, []string{"symbol"}),
		GatewayLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Order gateway call latency.",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5},
		}, []string{"op", "result"}),
		ProviderLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "market_data",
			Name:      "request_duration_seconds",
			Help:      "Market data lookup latency.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}),
	}
}

// ObserveCycle records one finished cycle.
func (m *Metrics) ObserveCycle(total int, d time.Duration) {
	if m == nil {
		return
	}
	m.CyclesTotal.Inc()
	m.CyclePositions.Set(float64(total))
	m.CycleDuration.Observe(d.Seconds())
}

// Evaluation counts an evaluation outcome.
func (m *Metrics) Evaluation(outcome string) {
	if m == nil {
		return
	}
	m.Evaluations.WithLabelValues(outcome).Inc()
}

// DataGap counts a missing price.
func (m *Metrics) DataGap(symbol string) {
	if m == nil {
		return
	}
	m.DataGaps.WithLabelValues(symbol).Inc()
}

// Trigger counts a threshold crossing.
func (m *Metrics) Trigger(reason string) {
	if m == nil {
		return
	}
	m.Triggers.WithLabelValues(reason).Inc()
}

// TrailingAdjust counts a stop ratchet.
func (m *Metrics) TrailingAdjust(side string) {
	if m == nil {
		return
	}
	m.TrailingAdjusts.WithLabelValues(side).Inc()
}

// Opened counts a created position.
func (m *Metrics) Opened(side string) {
	if m == nil {
		return
	}
	m.PositionsOpened.WithLabelValues(side).Inc()
}

// Closed counts a successful close.
func (m *Metrics) Closed(reason string) {
	if m == nil {
		return
	}
	m.PositionsClosed.WithLabelValues(reason).Inc()
}

// CloseFailed counts a close that ended in error.
func (m *Metrics) CloseFailed(symbol string) {
	if m == nil {
		return
	}
	m.CloseFailures.WithLabelValues(symbol).Inc()
}

// ObserveGateway records a gateway call.
func (m *Metrics) ObserveGateway(op string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.GatewayLatency.WithLabelValues(op, result).Observe(d.Seconds())
}

// ObserveProvider records a market data lookup.
func (m *Metrics) ObserveProvider(d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderLatency.Observe(d.Seconds())
}
