package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestChecker_RespectsDisallow(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte("User-agent: CROAnalyzer\nDisallow: /private\n\nUser-agent: *\nDisallow: /\n"))
	}))
	defer srv.Close()

	c := NewChecker(srv.Client(), "CROAnalyzer", time.Hour, nil)
	ctx := context.Background()

	ok, err := c.Allowed(ctx, srv.URL+"/pricing")
	if err != nil || !ok {
		t.Fatalf("expected /pricing allowed, got %v %v", ok, err)
	}
	ok, _ = c.Allowed(ctx, srv.URL+"/private/area")
	if ok {
		t.Fatalf("expected /private/area disallowed")
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("expected robots.txt fetched once, got %d", n)
	}
}

func TestChecker_RefetchesAfterTTL(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte("User-agent: *\nAllow: /\n"))
	}))
	defer srv.Close()

	now := time.Now()
	c := NewChecker(srv.Client(), "CROAnalyzer", time.Minute, nil)
	c.now = func() time.Time { return now }

	_, _ = c.Allowed(context.Background(), srv.URL+"/")
	now = now.Add(2 * time.Minute)
	_, _ = c.Allowed(context.Background(), srv.URL+"/")
	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Fatalf("expected 2 fetches, got %d", n)
	}
}

func TestChecker_FailsOpen(t *testing.T) {
	cases := map[string]int{"missing": http.StatusNotFound, "server error": http.StatusServiceUnavailable}
	for name, status := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			}))
			defer srv.Close()

			c := NewChecker(srv.Client(), "CROAnalyzer", time.Hour, nil)
			ok, err := c.Allowed(context.Background(), srv.URL+"/anything")
			if err != nil || !ok {
				t.Fatalf("expected allowed, got %v %v", ok, err)
			}
		})
	}
}

func TestChecker_UnreachableHostIsAllowed(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewChecker(&http.Client{Timeout: time.Second}, "CROAnalyzer", time.Hour, nil)
	ok, err := c.Allowed(context.Background(), url+"/")
	if err != nil || !ok {
		t.Fatalf("expected allowed when robots.txt is unreachable, got %v %v", ok, err)
	}
}
