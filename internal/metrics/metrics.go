package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records reader lookups that never touch upstream.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationFetch records GetOrFetch calls.
	CacheOperationFetch CacheOperation = "fetch"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	CacheLookupHit   CacheLookupOutcome = "hit"
	CacheLookupStale CacheLookupOutcome = "stale"
	CacheLookupMiss  CacheLookupOutcome = "miss"
)

// CacheFetchOutcome captures how a GetOrFetch call was resolved.
type CacheFetchOutcome string

const (
	// CacheFetchFresh means a fresh entry answered the call.
	CacheFetchFresh CacheFetchOutcome = "fresh"
	// CacheFetchStored means the caller owned the fetch and published a record.
	CacheFetchStored CacheFetchOutcome = "stored"
	// CacheFetchShared means the caller waited on another owner.
	CacheFetchShared CacheFetchOutcome = "shared"
	// CacheFetchError means the owned fetch failed.
	CacheFetchError CacheFetchOutcome = "error"
	// CacheFetchNoSnapshot means a waiter timed out with nothing cached.
	CacheFetchNoSnapshot CacheFetchOutcome = "no_snapshot"
)

// PollerKeyOutcome is the per-key result of a worker pass.
type PollerKeyOutcome string

const (
	PollerKeyRefreshed PollerKeyOutcome = "refreshed"
	PollerKeySkipped   PollerKeyOutcome = "skipped"
	PollerKeyFailed    PollerKeyOutcome = "failed"
)

// Recorder publishes Prometheus metrics for hub and watchdog activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	upstreamAttempts *prometheus.CounterVec
	upstreamFetches  *prometheus.CounterVec
	upstreamBytes    prometheus.Counter
	upstreamLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec

	pollerCycles   prometheus.Counter
	pollerDuration prometheus.Histogram
	pollerKeys     *prometheus.CounterVec
	pollerForce    *prometheus.CounterVec
	snapshotWrites *prometheus.CounterVec

	watchdogProbes   *prometheus.CounterVec
	watchdogRestarts *prometheus.CounterVec
	watchdogUp       *prometheus.GaugeVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	upstreamAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hub",
		Subsystem: "upstream",
		Name:      "attempts_total",
		Help:      "Upstream attempts that received a response, by status code.",
	}, []string{"status_code"})

	upstreamFetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hub",
		Subsystem: "upstream",
		Name:      "fetches_total",
		Help:      "Completed upstream fetches including retries, by outcome.",
	}, []string{"outcome"})

	upstreamBytes := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hub",
		Subsystem: "upstream",
		Name:      "bytes_total",
		Help:      "Bytes read from upstream responses.",
	})

	upstreamLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hub",
		Subsystem: "upstream",
		Name:      "fetch_duration_seconds",
		Help:      "Latency distribution for upstream fetches including retry waits.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"outcome"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hub",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache store operations, by operation and result.",
	}, []string{"operation", "result"})

	pollerCycles := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hub",
		Subsystem: "poller",
		Name:      "cycles_total",
		Help:      "Poll cycles completed.",
	})

	pollerDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hub",
		Subsystem: "poller",
		Name:      "cycle_duration_seconds",
		Help:      "Time spent draining one poll batch.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
	})

	pollerKeys := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hub",
		Subsystem: "poller",
		Name:      "keys_total",
		Help:      "Keys processed by poller workers, by result.",
	}, []string{"result"})

	pollerForce := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hub",
		Subsystem: "poller",
		Name:      "force_requests_total",
		Help:      "Manual force-cycle requests, by result.",
	}, []string{"result"})

	snapshotWrites := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hub",
		Subsystem: "snapshot",
		Name:      "writes_total",
		Help:      "Snapshot persistence attempts, by result.",
	}, []string{"backend", "result"})

	watchdogProbes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchdog",
		Name:      "probes_total",
		Help:      "Health probes issued by the watchdog, by target and state.",
	}, []string{"target", "state"})

	watchdogRestarts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "watchdog",
		Name:      "restarts_total",
		Help:      "Relaunches issued by the watchdog, by target.",
	}, []string{"target"})

	watchdogUp := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "watchdog",
		Name:      "target_up",
		Help:      "1 when the last probe classified the target as up.",
	}, []string{"target"})

	reg.MustRegister(
		upstreamAttempts, upstreamFetches, upstreamBytes, upstreamLatency,
		cacheOperations,
		pollerCycles, pollerDuration, pollerKeys, pollerForce, snapshotWrites,
		watchdogProbes, watchdogRestarts, watchdogUp,
	)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:         reg,
		handler:          handler,
		upstreamAttempts: upstreamAttempts,
		upstreamFetches:  upstreamFetches,
		upstreamBytes:    upstreamBytes,
		upstreamLatency:  upstreamLatency,
		cacheOperations:  cacheOperations,
		pollerCycles:     pollerCycles,
		pollerDuration:   pollerDuration,
		pollerKeys:       pollerKeys,
		pollerForce:      pollerForce,
		snapshotWrites:   snapshotWrites,
		watchdogProbes:   watchdogProbes,
		watchdogRestarts: watchdogRestarts,
		watchdogUp:       watchdogUp,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveUpstreamAttempt records one attempt that received a response.
func (r *Recorder) ObserveUpstreamAttempt(statusCode int, bytes int64) {
	if r == nil {
		return
	}
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.upstreamAttempts.WithLabelValues(statusLabel).Inc()
	if bytes > 0 {
		r.upstreamBytes.Add(float64(bytes))
	}
}

// ObserveUpstreamFetch records the final outcome of a fetch and its latency.
func (r *Recorder) ObserveUpstreamFetch(outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	label := normalizeLabel(outcome)
	r.upstreamFetches.WithLabelValues(label).Inc()
	r.upstreamLatency.WithLabelValues(label).Observe(duration.Seconds())
}

// ObserveCacheLookup records the result of a reader lookup.
func (r *Recorder) ObserveCacheLookup(result CacheLookupOutcome) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.cacheOperations.WithLabelValues(string(CacheOperationLookup), resultLabel).Inc()
}

// ObserveCacheFetch records how a GetOrFetch call was resolved.
func (r *Recorder) ObserveCacheFetch(result CacheFetchOutcome) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheFetchError)
	}
	r.cacheOperations.WithLabelValues(string(CacheOperationFetch), resultLabel).Inc()
}

// ObservePollerCycle records a drained batch.
func (r *Recorder) ObservePollerCycle(duration time.Duration) {
	if r == nil {
		return
	}
	r.pollerCycles.Inc()
	r.pollerDuration.Observe(duration.Seconds())
}

func (r *Recorder) ObservePollerKey(result PollerKeyOutcome) {
	if r == nil {
		return
	}
	r.pollerKeys.WithLabelValues(normalizeLabel(string(result))).Inc()
}

func (r *Recorder) ObserveForce(accepted bool) {
	if r == nil {
		return
	}
	result := "accepted"
	if !accepted {
		result = "throttled"
	}
	r.pollerForce.WithLabelValues(result).Inc()
}

func (r *Recorder) ObserveSnapshotWrite(backend string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.snapshotWrites.WithLabelValues(normalizeLabel(backend), result).Inc()
}

// ObserveProbe records a watchdog probe classification for a target.
func (r *Recorder) ObserveProbe(target string, up bool) {
	if r == nil {
		return
	}
	targetLabel := normalizeLabel(target)
	state := "down"
	value := 0.0
	if up {
		state = "up"
		value = 1
	}
	r.watchdogProbes.WithLabelValues(targetLabel, state).Inc()
	r.watchdogUp.WithLabelValues(targetLabel).Set(value)
}

func (r *Recorder) ObserveRestart(target string) {
	if r == nil {
		return
	}
	r.watchdogRestarts.WithLabelValues(normalizeLabel(target)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
