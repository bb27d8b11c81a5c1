// Package metrics is the ambient Prometheus exposition layer (SPEC_FULL.md
// §4's "not in spec.md's core scope, but an ambient concern every
// tick-driven daemon in this pack carries"): queue depth, tick duration,
// and per-job-engine active counts. Grounded on the teacher's
// internal/app/metrics/metrics.go — same package-level Registry +
// promhttp.HandlerFor(Registry, ...) shape, collectors trimmed down from
// HTTP/function/automation dispatch counters to the tick-loop gauges and
// histogram this runtime actually produces.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the application-specific Prometheus collectors.
var Registry = prometheus.NewRegistry()

var (
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "factoryverse",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Current number of intents waiting in the action queue.",
	})

	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "factoryverse",
		Subsystem: "orchestrator",
		Name:      "tick_duration_seconds",
		Help:      "Wall-clock duration of one orchestrator tick.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 100us to ~1.6s
	})

	jobActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "factoryverse",
		Subsystem: "jobs",
		Name:      "active",
		Help:      "Current number of live jobs per engine.",
	}, []string{"engine"})

	completionsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "factoryverse",
		Subsystem: "completion",
		Name:      "datagrams_total",
		Help:      "Total async-completion datagrams sent, by action type.",
	}, []string{"action_type"})
)

func init() {
	Registry.MustRegister(
		queueDepth,
		tickDuration,
		jobActive,
		completionsSent,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registered collectors for a GET /metrics route.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordTick records one orchestrator tick's load: queue depth at drain
// time, per-engine active job counts, and the tick's wall-clock duration.
func RecordTick(depth, walkActive, mineActive, craftActive int, duration time.Duration) {
	queueDepth.Set(float64(depth))
	jobActive.WithLabelValues("walk").Set(float64(walkActive))
	jobActive.WithLabelValues("mine").Set(float64(mineActive))
	jobActive.WithLabelValues("craft").Set(float64(craftActive))
	tickDuration.Observe(duration.Seconds())
}

// RecordCompletion increments the per-action-type completion datagram
// counter; the orchestrator calls this alongside completion.Notifier.Notify.
func RecordCompletion(actionType string) {
	completionsSent.WithLabelValues(actionType).Inc()
}
