package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"croanalyzer/internal/cache"
	"croanalyzer/internal/config"
	"croanalyzer/internal/jobs"
	"croanalyzer/internal/model"
	"croanalyzer/internal/store"
)

type fakeCache struct {
	cache.Disabled
	deleted []string
	purged  int
}

func (f *fakeCache) Delete(_ context.Context, key string) bool {
	f.deleted = append(f.deleted, key)
	return true
}

func (f *fakeCache) Purge(context.Context) int {
	f.purged++
	return 7
}

func (f *fakeCache) Health(context.Context) bool { return true }

type fakeHistory struct {
	url   string
	limit int
}

func (h *fakeHistory) Recent(_ context.Context, url string, limit int) ([]store.Record, error) {
	h.url, h.limit = url, limit
	return []store.Record{{TaskID: "t1", URL: url, State: model.StateSuccess}}, nil
}

func (h *fakeHistory) Ping(context.Context) error { return nil }

type fixture struct {
	srv   *Server
	tasks *store.Memory
	cache *fakeCache
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	cfg, err := config.Parse(nil)
	if err != nil {
		t.Fatalf("config.Parse error: %v", err)
	}
	mem := store.NewMemory(0)
	fc := &fakeCache{}
	d := Deps{
		Tasks:   mem,
		Queue:   mem,
		Service: jobs.NewOrchestrator(jobs.Deps{Tasks: mem, Queue: mem}, jobs.Options{}),
		Cache:   fc,
	}
	if mutate != nil {
		mutate(&d)
	}
	return &fixture{srv: NewServer(cfg, d, nil), tasks: mem, cache: fc}
}

func (f *fixture) do(t *testing.T, method, target string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			r = strings.NewReader(b)
		default:
			raw, _ := json.Marshal(b)
			r = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, target, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return resp, out
}

// seed stores a task in the given state.
func (f *fixture) seed(t *testing.T, id string, state model.State) {
	t.Helper()
	now := time.Now().UTC()
	task := model.NewTask(id, "https://example.com", model.Options{}, 3, now)
	switch state {
	case model.StateSuccess:
		_ = task.Start(now)
		_ = task.Succeed(json.RawMessage(`{"url":"https://example.com","issues":[]}`), "Analysis complete", now)
	case model.StateFailure:
		_ = task.Start(now)
		_ = task.Fail(model.Failure{Kind: model.KindRenderFailure, Message: "Page could not be rendered"}, now)
	case model.StateProgress:
		_ = task.Start(now)
		_ = task.Advance(model.Progress{Current: 2, Total: 6, Percent: 30, Status: "Loading page"}, now)
	}
	if err := f.tasks.Create(context.Background(), task); err != nil {
		t.Fatalf("Create error: %v", err)
	}
}

func TestAnalyzeAsync_AcceptsAndQueues(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.do(t, http.MethodPost, "/analyze/async", AnalyzeRequest{URL: "https://example.com", DeepInfo: true})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	id, _ := body["task_id"].(string)
	if id == "" || body["status"] != "PENDING" {
		t.Fatalf("unexpected body %v", body)
	}
	if body["poll_url"] != "/analyze/status/"+id {
		t.Fatalf("unexpected poll_url %v", body["poll_url"])
	}

	task, err := f.tasks.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("expected stored task: %v", err)
	}
	if !task.Options.DeepInfo || task.Options.IncludeScreenshots {
		t.Fatalf("unexpected options %+v", task.Options)
	}
	if ready, _, _ := f.tasks.Depth(context.Background()); ready != 1 {
		t.Fatalf("expected task enqueued")
	}
}

func TestAnalyzeAsync_RejectsBadInput(t *testing.T) {
	f := newFixture(t, nil)
	cases := []struct {
		name string
		body any
		code string
	}{
		{"invalid json", "{not json", "BAD_REQUEST_INVALID_JSON"},
		{"missing url", AnalyzeRequest{}, "BAD_REQUEST"},
		{"ftp scheme", AnalyzeRequest{URL: "ftp://example.com"}, "INVALID_URL"},
		{"relative", AnalyzeRequest{URL: "/pricing"}, "INVALID_URL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, "/analyze/async", tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
			if body["code"] != tc.code || body["success"] != false {
				t.Fatalf("expected code %s, got %v", tc.code, body)
			}
		})
	}
}

func TestTaskStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "running", model.StateProgress)
	f.seed(t, "done", model.StateSuccess)
	f.seed(t, "failed", model.StateFailure)

	resp, body := f.do(t, http.MethodGet, "/analyze/status/missing", nil)
	if resp.StatusCode != http.StatusNotFound || body["code"] != "TASK_NOT_FOUND" {
		t.Fatalf("expected 404 TASK_NOT_FOUND, got %d %v", resp.StatusCode, body)
	}

	_, body = f.do(t, http.MethodGet, "/analyze/status/running", nil)
	progress, _ := body["progress"].(map[string]any)
	if body["status"] != "PROGRESS" || progress["percent"] != float64(30) {
		t.Fatalf("unexpected progress view %v", body)
	}
	if _, ok := body["result"]; ok {
		t.Fatalf("running task must not expose a result")
	}

	_, body = f.do(t, http.MethodGet, "/analyze/status/done", nil)
	result, _ := body["result"].(map[string]any)
	if body["status"] != "SUCCESS" || result["url"] != "https://example.com" {
		t.Fatalf("unexpected success view %v", body)
	}

	_, body = f.do(t, http.MethodGet, "/analyze/status/failed", nil)
	if body["status"] != "FAILURE" || body["error_kind"] != "RENDER_FAILURE" || body["error"] == "" {
		t.Fatalf("unexpected failure view %v", body)
	}
}

func TestTaskResult(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "running", model.StateProgress)
	f.seed(t, "done", model.StateSuccess)
	f.seed(t, "failed", model.StateFailure)

	resp, body := f.do(t, http.MethodGet, "/analyze/result/running", nil)
	if resp.StatusCode != http.StatusAccepted || body["status"] != "PROGRESS" {
		t.Fatalf("expected 202 while running, got %d %v", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodGet, "/analyze/result/done", nil)
	if resp.StatusCode != http.StatusOK || body["url"] != "https://example.com" {
		t.Fatalf("expected bare result, got %d %v", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodGet, "/analyze/result/failed", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "FAILURE" {
		t.Fatalf("expected failure body, got %d %v", resp.StatusCode, body)
	}

	resp, _ = f.do(t, http.MethodGet, "/analyze/result/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCancelTask(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "pending", model.StatePending)
	f.seed(t, "running", model.StateProgress)

	resp, body := f.do(t, http.MethodDelete, "/analyze/pending", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "FAILURE" || body["error_kind"] != "CANCELLED" {
		t.Fatalf("expected pending task cancelled, got %d %v", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodDelete, "/analyze/pending", nil)
	if resp.StatusCode != http.StatusConflict || body["code"] != "TASK_ALREADY_FINISHED" {
		t.Fatalf("expected 409, got %d %v", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodDelete, "/analyze/running", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "PROGRESS" {
		t.Fatalf("expected running task flagged, got %d %v", resp.StatusCode, body)
	}
	task, _ := f.tasks.Get(context.Background(), "running")
	if !task.CancelRequested {
		t.Fatalf("expected cancel flag on running task")
	}

	resp, _ = f.do(t, http.MethodDelete, "/analyze/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHistory(t *testing.T) {
	f := newFixture(t, nil)
	resp, body := f.do(t, http.MethodGet, "/analyze/history", nil)
	if resp.StatusCode != http.StatusNotFound || body["code"] != "ARCHIVE_DISABLED" {
		t.Fatalf("expected ARCHIVE_DISABLED, got %d %v", resp.StatusCode, body)
	}

	h := &fakeHistory{}
	f = newFixture(t, func(d *Deps) { d.History = h })
	resp, body = f.do(t, http.MethodGet, "/analyze/history?url=https://example.com&limit=5", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if h.url != "https://example.com" || h.limit != 5 {
		t.Fatalf("unexpected query url=%q limit=%d", h.url, h.limit)
	}
	if list, _ := body["analyses"].([]any); len(list) != 1 {
		t.Fatalf("expected one record, got %v", body)
	}

	resp, _ = f.do(t, http.MethodGet, "/analyze/history?limit=zero", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", resp.StatusCode)
	}
}

func TestClearCache(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodDelete, "/cache/analysis?url=https://example.com/&deep_info=true", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	want, _ := cache.Fingerprint("https://example.com", model.Options{DeepInfo: true})
	if len(f.cache.deleted) != 1 || f.cache.deleted[0] != want || body["key"] != want {
		t.Fatalf("expected deep key %s deleted, got %v", want, f.cache.deleted)
	}

	_, body = f.do(t, http.MethodDelete, "/cache/analysis", nil)
	if f.cache.purged != 1 || body["deleted"] != float64(7) {
		t.Fatalf("expected purge, got %v", body)
	}

	resp, _ = f.do(t, http.MethodDelete, "/cache/analysis?url=not-a-url", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid url, got %d", resp.StatusCode)
	}
}

func TestDeleteTaskRecord(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "done", model.StateSuccess)

	resp, _ := f.do(t, http.MethodDelete, "/cache/task/done", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodDelete, "/cache/task/done", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
}
