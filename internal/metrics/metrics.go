package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// All collectors live on a private registry so tests and the /metrics
// endpoint see the same values without global default-registry clashes.
var (
	registry = prometheus.NewRegistry()
	factory  = promauto.With(registry)

	requestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "cro_http_requests_total",
		Help: "HTTP requests by method, path and status.",
	}, []string{"method", "path", "status"})

	requestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cro_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	tasksTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "cro_tasks_total",
		Help: "Task executions by mode and outcome.",
	}, []string{"mode", "outcome"})

	taskDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cro_task_duration_seconds",
		Help:    "Wall time of one task execution.",
		Buckets: []float64{0.1, 1, 5, 15, 30, 60, 90, 120, 180},
	}, []string{"mode", "outcome"})

	stageDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cro_stage_duration_seconds",
		Help:    "Duration of each pipeline stage.",
		Buckets: []float64{0.05, 0.25, 1, 2.5, 5, 10, 30, 60, 90},
	}, []string{"stage"})

	cacheOps = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "cro_cache_operations_total",
		Help: "Cache lookups and writes by result.",
	}, []string{"result"})

	llmCalls = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "cro_llm_requests_total",
		Help: "Vision API calls by provider, model and outcome.",
	}, []string{"provider", "model", "outcome"})

	llmRetries = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "cro_llm_retries_total",
		Help: "Vision API retries after transient errors.",
	}, []string{"provider"})

	parseLayers = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "cro_parse_layer_total",
		Help: "Repair layer that produced the parsed response.",
	}, []string{"layer"})

	poolEvents = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "cro_browser_pool_events_total",
		Help: "Browser pool lifecycle events.",
	}, []string{"event"})

	poolBrowsers = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cro_browser_pool_browsers",
		Help: "Pooled browsers by state.",
	}, []string{"state"})

	retentionDeleted = factory.NewCounter(prometheus.CounterOpts{
		Name: "cro_retention_archive_deleted_total",
		Help: "Archived analyses removed by retention cleanup.",
	})
)

func init() {
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// RecordRequest increments the request counter and records latency.
func RecordRequest(method, path string, status int, latency time.Duration) {
	requestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	requestDuration.WithLabelValues(method, path).Observe(latency.Seconds())
}

// RecordTask records the outcome of one task execution. Outcome is one of
// success, cached, failure or retry.
func RecordTask(mode, outcome string, elapsed time.Duration) {
	tasksTotal.WithLabelValues(mode, outcome).Inc()
	taskDuration.WithLabelValues(mode, outcome).Observe(elapsed.Seconds())
}

func ObserveStage(stage string, elapsed time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// RecordCache counts cache hits, misses, writes and absorbed errors.
func RecordCache(result string) {
	cacheOps.WithLabelValues(result).Inc()
}

func RecordLLMCall(provider, model string, success bool) {
	outcome := "failed"
	if success {
		outcome = "success"
	}
	llmCalls.WithLabelValues(provider, model, outcome).Inc()
}

func RecordLLMRetry(provider string) {
	llmRetries.WithLabelValues(provider).Inc()
}

func RecordParseLayer(layer string) {
	parseLayers.WithLabelValues(layer).Inc()
}

// RecordPoolEvent counts acquire, release, recycle, standalone and
// failure events in the browser pool.
func RecordPoolEvent(event string) {
	poolEvents.WithLabelValues(event).Inc()
}

func SetPoolGauges(inUse, idle, empty int) {
	poolBrowsers.WithLabelValues("in_use").Set(float64(inUse))
	poolBrowsers.WithLabelValues("idle").Set(float64(idle))
	poolBrowsers.WithLabelValues("empty").Set(float64(empty))
}

func RecordRetentionDeleted(deleted int64) {
	if deleted <= 0 {
		return
	}
	retentionDeleted.Add(float64(deleted))
}

// Registry exposes the private registry, mainly for tests.
func Registry() *prometheus.Registry {
	return registry
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
