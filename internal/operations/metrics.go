package operations

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics registers every gauge/counter/histogram the operations surface
// exposes at /metrics (spec §10.2), grounded on poorman-SynapseStrike's
// metrics package (a dedicated prometheus.Registry + promauto constructors)
// rather than the global default registry.
type Metrics struct {
	registry *prometheus.Registry

	FillsTotal      *prometheus.CounterVec
	OpenPositions   prometheus.Gauge
	RealizedPnL     prometheus.Gauge
	ReanchorsTotal  *prometheus.CounterVec
	PollDuration    prometheus.Histogram
}

// NewMetrics builds a fresh registry and registers every engine metric plus
// the standard Go/process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return &Metrics{
		registry: reg,
		FillsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "fills_total",
			Help:      "Fill increments processed by leg role.",
		}, []string{"leg"}),
		OpenPositions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "engine",
			Name:      "open_positions",
			Help:      "Current number of open positions.",
		}),
		RealizedPnL: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "engine",
			Name:      "realized_pnl_total",
			Help:      "Running total realized PnL.",
		}),
		ReanchorsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "reanchors_total",
			Help:      "Grid re-anchor events by side.",
		}, []string{"side"}),
		PollDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "engine",
			Name:      "poll_duration_seconds",
			Help:      "Wall-clock duration of one poll-loop iteration.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
	}
}

// Handler returns the HTTP handler that serves this registry's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordFill increments the fills counter for one leg role (the router
// reports "entry" or "exit").
func (m *Metrics) RecordFill(leg string) {
	m.FillsTotal.WithLabelValues(leg).Inc()
}

// RecordReanchor increments the reanchor counter for one side ("BUY"/"SELL").
func (m *Metrics) RecordReanchor(side string) {
	m.ReanchorsTotal.WithLabelValues(side).Inc()
}

// SetOpenPositions sets the current open-position gauge.
func (m *Metrics) SetOpenPositions(n int) {
	m.OpenPositions.Set(float64(n))
}

// SetRealizedPnL sets the running realized-PnL gauge.
func (m *Metrics) SetRealizedPnL(v float64) {
	m.RealizedPnL.Set(v)
}

// ObservePollDuration records one poll-loop iteration's wall-clock cost.
func (m *Metrics) ObservePollDuration(d time.Duration) {
	m.PollDuration.Observe(d.Seconds())
}
