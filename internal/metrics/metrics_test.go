package metrics

import (
	"errors"
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveUpstream(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveUpstreamAttempt(503, 10)
	rec.ObserveUpstreamAttempt(200, 32)
	rec.ObserveUpstreamFetch("ok", 250*time.Millisecond)

	families := gather(t, rec,
		"hub_upstream_attempts_total",
		"hub_upstream_bytes_total",
		"hub_upstream_fetch_duration_seconds",
	)

	okAttempts := findMetric(t, families["hub_upstream_attempts_total"], map[string]string{"status_code": "200"})
	if got := okAttempts.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected one 200 attempt, got %v", got)
	}
	bytes := families["hub_upstream_bytes_total"][0]
	if got := bytes.GetCounter().GetValue(); got != 42 {
		t.Fatalf("expected 42 upstream bytes, got %v", got)
	}

	hist := findMetric(t, families["hub_upstream_fetch_duration_seconds"], map[string]string{"outcome": "ok"}).GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for fetch latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	if diff := math.Abs(hist.GetSampleSum() - 0.25); diff > 0.001 {
		t.Fatalf("expected histogram sum near 0.25, got %v", hist.GetSampleSum())
	}
}

func TestRecorderObserveCacheOperations(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveCacheLookup(CacheLookupHit)
	rec.ObserveCacheFetch(CacheFetchShared)
	rec.ObserveCacheFetch(CacheFetchShared)

	families := gather(t, rec, "hub_cache_operations_total")

	lookup := findMetric(t, families["hub_cache_operations_total"], map[string]string{
		"operation": string(CacheOperationLookup),
		"result":    string(CacheLookupHit),
	})
	if got := lookup.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected lookup counter 1, got %v", got)
	}
	shared := findMetric(t, families["hub_cache_operations_total"], map[string]string{
		"operation": string(CacheOperationFetch),
		"result":    string(CacheFetchShared),
	})
	if got := shared.GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected shared counter 2, got %v", got)
	}
}

func TestRecorderObservePollerAndWatchdog(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObservePollerCycle(2 * time.Second)
	rec.ObservePollerKey(PollerKeySkipped)
	rec.ObserveForce(false)
	rec.ObserveSnapshotWrite("file", errors.New("disk full"))
	rec.ObserveProbe("hub", false)
	rec.ObserveRestart("hub")

	families := gather(t, rec,
		"hub_poller_cycles_total",
		"hub_poller_keys_total",
		"hub_poller_force_requests_total",
		"hub_snapshot_writes_total",
		"watchdog_probes_total",
		"watchdog_restarts_total",
		"watchdog_target_up",
	)

	findMetric(t, families["hub_poller_keys_total"], map[string]string{"result": "skipped"})
	findMetric(t, families["hub_poller_force_requests_total"], map[string]string{"result": "throttled"})
	findMetric(t, families["hub_snapshot_writes_total"], map[string]string{"backend": "file", "result": "error"})
	findMetric(t, families["watchdog_probes_total"], map[string]string{"target": "hub", "state": "down"})
	up := findMetric(t, families["watchdog_target_up"], map[string]string{"target": "hub"})
	if got := up.GetGauge().GetValue(); got != 0 {
		t.Fatalf("expected target_up 0, got %v", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveUpstreamAttempt(200, 1)
	rec.ObserveCacheLookup(CacheLookupMiss)
	rec.ObserveProbe("hub", true)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 503 {
		t.Fatalf("expected 503 from nil recorder handler, got %d", rr.Code)
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
