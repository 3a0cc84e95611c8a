// Package obsmetrics exposes the pipeline's Prometheus instrumentation.
package obsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the pipeline emits. All collectors are
// registered on construction; a nil *Metrics is a valid no-op receiver so
// tests can skip instrumentation entirely.
type Metrics struct {
	phaseDuration       *prometheus.HistogramVec
	portfoliosProcessed *prometheus.CounterVec
	portfoliosFailed    *prometheus.CounterVec
	runsTotal           *prometheus.CounterVec
	symbolsFetched      prometheus.Counter
	barsInserted        prometheus.Counter
}

// New registers the pipeline collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "quantfolio",
			Subsystem: "pipeline",
			Name:      "phase_duration_seconds",
			Help:      "Wall time of each batch phase.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"phase"}),
		portfoliosProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quantfolio",
			Subsystem: "pipeline",
			Name:      "portfolios_processed_total",
			Help:      "Portfolios successfully processed, by phase.",
		}, []string{"phase"}),
		portfoliosFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quantfolio",
			Subsystem: "pipeline",
			Name:      "portfolios_failed_total",
			Help:      "Portfolios that failed a phase, by phase.",
		}, []string{"phase"}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quantfolio",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Completed batch runs by terminal status.",
		}, []string{"status"}),
		symbolsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quantfolio",
			Subsystem: "marketdata",
			Name:      "symbols_fetched_total",
			Help:      "Symbols covered by market data refresh passes.",
		}),
		barsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quantfolio",
			Subsystem: "marketdata",
			Name:      "bars_inserted_total",
			Help:      "New daily bars written to the cache.",
		}),
	}
	reg.MustRegister(m.phaseDuration, m.portfoliosProcessed, m.portfoliosFailed,
		m.runsTotal, m.symbolsFetched, m.barsInserted)
	return m
}

// ObservePhase records one finished phase.
func (m *Metrics) ObservePhase(phase string, seconds float64, processed, failed int) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(seconds)
	m.portfoliosProcessed.WithLabelValues(phase).Add(float64(processed))
	m.portfoliosFailed.WithLabelValues(phase).Add(float64(failed))
}

// ObserveRun records one finished batch run.
func (m *Metrics) ObserveRun(status string) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
}

// ObserveRefresh records one market data refresh pass.
func (m *Metrics) ObserveRefresh(symbols, inserted int) {
	if m == nil {
		return
	}
	m.symbolsFetched.Add(float64(symbols))
	m.barsInserted.Add(float64(inserted))
}
