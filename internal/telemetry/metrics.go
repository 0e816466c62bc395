package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	CycleCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_stage_cycles_total",
		Help: "Stage worker cycles by outcome",
	}, []string{"stage", "outcome"})
	CycleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_cycle_seconds",
		Help:    "Duration of stage worker cycles that reached the transform",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"stage"})
	ThrottledCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_stage_throttled_total",
		Help: "Cycles skipped because the backpressure ceiling was reached",
	}, []string{"stage"})
	BacklogGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pipeline_stage_backlog",
		Help: "Items released by a stage that have not left its throttled stretch",
	}, []string{"stage"})
	TransferCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_artifact_transfers_total",
		Help: "Locality transfers by puller and result",
	}, []string{"puller", "result"})
	SelfHealResets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_self_heal_resets_total",
		Help: "Producing flags reset after an input artifact could not be localized",
	}, []string{"flag"})
	ConsistencyResets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_consistency_resets_total",
		Help: "Flags reset by the consistency checker",
	}, []string{"flag"})
	NotifyFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_notify_failures_total",
		Help: "Best-effort queue notifications that failed",
	}, []string{"queue"})
	RateLimitRejects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_rate_limit_rejects_total",
		Help: "Transform calls refused by the shared token bucket",
	}, []string{"stage"})
	InFlightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_inflight",
		Help: "1 while this process is inside a cycle",
	})
)

// Register adds the collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			CycleCounter,
			CycleDuration,
			ThrottledCounter,
			BacklogGauge,
			TransferCounter,
			SelfHealResets,
			ConsistencyResets,
			NotifyFailures,
			RateLimitRejects,
			InFlightGauge,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
