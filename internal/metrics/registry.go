// Package metrics exposes the validation counters, quality gauges, and
// liveness gauges over Prometheus. The registry satisfies
// quality.MetricsSink, so the monitor reports through it without knowing
// about Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sawpanic/reservoir/internal/quality"
)

// Registry holds every metric the process exports. Each instance carries
// its own Prometheus registry, so tests can build and discard them freely.
type Registry struct {
	reg *prometheus.Registry

	Valid            prometheus.Counter
	Invalid          prometheus.Counter
	Stale            prometheus.Counter
	Inconsistent     prometheus.Counter
	MissingFields    prometheus.Counter
	OutOfRange       prometheus.Counter
	ValidationErrors prometheus.Counter

	Issues      *prometheus.CounterVec
	IssuesByRIC *prometheus.CounterVec

	QualityScore     prometheus.Gauge
	Spread           *prometheus.GaugeVec
	Subscriptions    prometheus.Gauge
	QueueUtilization prometheus.Gauge
	ConnectionStatus prometheus.Gauge

	ValidationDuration prometheus.Histogram
}

// NewRegistry creates a registry with every metric registered.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		Valid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reservoir_valid_total",
			Help: "Total updates that passed every quality dimension",
		}),
		Invalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reservoir_invalid_total",
			Help: "Total updates with at least one ERROR issue",
		}),
		Stale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reservoir_stale_total",
			Help: "Total updates with a TIMELINESS issue",
		}),
		Inconsistent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reservoir_inconsistent_total",
			Help: "Total updates with a CONSISTENCY issue",
		}),
		MissingFields: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reservoir_missing_fields_total",
			Help: "Total updates with a COMPLETENESS issue",
		}),
		OutOfRange: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reservoir_out_of_range_total",
			Help: "Total updates with a VALIDITY issue",
		}),
		ValidationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reservoir_validation_errors_total",
			Help: "Total updates where the validator itself failed",
		}),

		Issues: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reservoir_issues_total",
				Help: "Total quality issues by dimension",
			},
			[]string{"dimension"},
		),
		IssuesByRIC: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reservoir_issues_by_ric_total",
				Help: "Total quality issues by RIC and dimension",
			},
			[]string{"ric", "dimension"},
		),

		QualityScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reservoir_quality_score",
			Help: "Valid share of recent validations, 0 to 100",
		}),
		Spread: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "reservoir_spread_percentage",
				Help: "Last observed bid/ask spread per RIC in percent",
			},
			[]string{"ric"},
		),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reservoir_subscriptions_active",
			Help: "RICs with at least one live handle",
		}),
		QueueUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reservoir_backpressure_queue_utilization",
			Help: "Ingest queue depth over capacity, 0 to 1",
		}),
		ConnectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reservoir_connection_status",
			Help: "1 while the feed adapter is RUNNING, else 0",
		}),

		ValidationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reservoir_validation_duration_seconds",
			Help:    "Time spent validating one update",
			Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005},
		}),
	}

	r.reg.MustRegister(
		r.Valid,
		r.Invalid,
		r.Stale,
		r.Inconsistent,
		r.MissingFields,
		r.OutOfRange,
		r.ValidationErrors,
		r.Issues,
		r.IssuesByRIC,
		r.QualityScore,
		r.Spread,
		r.Subscriptions,
		r.QueueUtilization,
		r.ConnectionStatus,
		r.ValidationDuration,
	)

	return r
}

// RecordValidation folds one validation outcome into the counters.
func (r *Registry) RecordValidation(res *quality.ValidationResult) {
	if res == nil {
		return
	}
	if res.IsValid() {
		r.Valid.Inc()
	} else {
		r.Invalid.Inc()
	}

	seen := make(map[quality.Dimension]bool, len(res.Issues))
	for _, issue := range res.Issues {
		r.Issues.WithLabelValues(string(issue.Dimension)).Inc()
		r.IssuesByRIC.WithLabelValues(res.RIC, string(issue.Dimension)).Inc()
		seen[issue.Dimension] = true
	}
	if seen[quality.DimTimeliness] {
		r.Stale.Inc()
	}
	if seen[quality.DimConsistency] {
		r.Inconsistent.Inc()
	}
	if seen[quality.DimCompleteness] {
		r.MissingFields.Inc()
	}
	if seen[quality.DimValidity] {
		r.OutOfRange.Inc()
	}
	if seen[quality.DimSystem] {
		r.ValidationErrors.Inc()
	}

	r.ValidationDuration.Observe(res.ValidationTime.Seconds())
}

// SetSpread records the last observed spread for a RIC.
func (r *Registry) SetSpread(ric string, spreadPct float64) {
	r.Spread.WithLabelValues(ric).Set(spreadPct)
}

// SetQualityScore publishes the rolling quality score.
func (r *Registry) SetQualityScore(score float64) {
	r.QualityScore.Set(score)
}

// Handler serves this registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests and custom handlers.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
