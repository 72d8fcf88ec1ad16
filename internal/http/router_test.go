package http

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"croanalyzer/internal/browser"
	"croanalyzer/internal/jobs"
	"croanalyzer/internal/model"
)

type staticPool browser.Stats

func (p staticPool) Stats() browser.Stats { return browser.Stats(p) }

type staticWorkers jobs.RunnerStats

func (w staticWorkers) Stats() jobs.RunnerStats { return jobs.RunnerStats(w) }

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("expected ok, got %d %v", resp.StatusCode, body)
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "req-123")
	resp, err := f.srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if got := resp.Header.Get("X-Request-Id"); got != "req-123" {
		t.Fatalf("expected request id echoed, got %q", got)
	}

	resp, _ = f.do(t, http.MethodGet, "/health", nil)
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected generated request id")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodGet, "/analyze/status/unknown", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := f.srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), `path="/analyze/status/:id"`) {
		t.Fatalf("expected route pattern label in metrics, got:\n%s", raw)
	}
}

func TestDetailedStatus(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Pool = staticPool{Size: 5, InUse: 2, Idle: 3}
		d.Workers = staticWorkers{Active: 1, Capacity: 4}
	})
	f.seed(t, "x", model.StatePending)
	_ = f.tasks.Enqueue(t.Context(), "x")

	resp, body := f.do(t, http.MethodGet, "/status/detailed", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("expected ok, got %d %v", resp.StatusCode, body)
	}
	if body["redis"] != "ok" || body["cache"] != "ok" || body["archive"] != "disabled" {
		t.Fatalf("unexpected dependency view %v", body)
	}
	queue, _ := body["queue"].(map[string]any)
	if queue["ready"] != float64(1) {
		t.Fatalf("expected queue depth 1, got %v", body["queue"])
	}
	pool, _ := body["browser_pool"].(map[string]any)
	if pool["in_use"] != float64(2) || pool["total"] != float64(5) {
		t.Fatalf("unexpected pool stats %v", pool)
	}
	workers, _ := body["workers"].(map[string]any)
	if workers["capacity"] != float64(4) {
		t.Fatalf("unexpected worker stats %v", workers)
	}

	degraded := newFixture(t, func(d *Deps) { d.Pool = staticPool{Size: 5, Degraded: true} })
	_, body = degraded.do(t, http.MethodGet, "/status/detailed", nil)
	if body["status"] != "degraded" {
		t.Fatalf("expected degraded pool to degrade status, got %v", body["status"])
	}
}

func TestDetailedStatus_APIOnlyReadsWorkerReports(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run error: %v", err)
	}
	t.Cleanup(m.Close)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	rep := jobs.NewReporter(rdb, "worker-1", staticPool{Size: 5, InUse: 4, Idle: 1},
		staticWorkers{Active: 2, Capacity: 4}, time.Second, nil)
	if err := rep.Publish(t.Context()); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	cluster := jobs.NewClusterStats(rdb, nil)
	f := newFixture(t, func(d *Deps) {
		d.Pool = cluster.Pool()
		d.Workers = cluster.Workers()
	})
	_, body := f.do(t, http.MethodGet, "/status/detailed", nil)
	pool, _ := body["browser_pool"].(map[string]any)
	if pool["total"] != float64(5) || pool["in_use"] != float64(4) {
		t.Fatalf("expected worker pool stats, got %v", pool)
	}
	workers, _ := body["workers"].(map[string]any)
	if workers["workers"] != float64(1) || workers["active"] != float64(2) {
		t.Fatalf("expected worker runner stats, got %v", workers)
	}
}
