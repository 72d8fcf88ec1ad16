package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"croanalyzer/internal/model"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run error: %v", err)
	}
	t.Cleanup(m.Close)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, time.Hour, nil), m
}

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		"https://Example.COM/":                    "https://example.com/",
		"https://example.com":                     "https://example.com/",
		"https://example.com/pricing/":            "https://example.com/pricing",
		"https://example.com/pricing#plans":       "https://example.com/pricing",
		"HTTPS://example.com:443/a":               "https://example.com/a",
		"http://example.com:8080/a/":              "http://example.com:8080/a",
		"https://example.com/?b=2&a=1":            "https://example.com/?a=1&b=2",
		"https://example.com/?utm_source=x&id=7":  "https://example.com/?id=7",
		"https://bücher.example/katalog":          "https://xn--bcher-kva.example/katalog",
	}
	for in, want := range cases {
		got, err := NormalizeURL(in)
		if err != nil {
			t.Fatalf("NormalizeURL(%q) error: %v", in, err)
		}
		if got != want {
			t.Fatalf("NormalizeURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeURL_RejectsRelative(t *testing.T) {
	if _, err := NormalizeURL("/just/a/path"); err == nil {
		t.Fatalf("expected error for relative URL")
	}
}

func TestFingerprint_ModeSeparatesKeys(t *testing.T) {
	std, err := Fingerprint("https://example.com/", model.Options{})
	if err != nil {
		t.Fatalf("Fingerprint error: %v", err)
	}
	deep, _ := Fingerprint("https://example.com/", model.Options{DeepInfo: true})
	shots, _ := Fingerprint("https://example.com/", model.Options{IncludeScreenshots: true})
	same, _ := Fingerprint("https://EXAMPLE.com#top", model.Options{})

	if std == deep || std == shots || deep == shots {
		t.Fatalf("expected distinct keys per mode, got %q %q %q", std, deep, shots)
	}
	if std != same {
		t.Fatalf("expected equivalent URLs to share a key, got %q and %q", std, same)
	}
	if !strings.HasPrefix(std, "cache:analysis:standard:") {
		t.Fatalf("unexpected key format %q", std)
	}
}

func TestRedisStore_SetGetRoundTrip(t *testing.T) {
	store, m := newTestStore(t)
	ctx := context.Background()

	value := []byte(`{"url":"https://example.com","issues":[]}`)
	store.Set(ctx, "cache:analysis:standard:abc", value, 0)

	got, ok := store.Get(ctx, "cache:analysis:standard:abc")
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if string(got) != string(value) {
		t.Fatalf("expected identical bytes, got %s", got)
	}
	if ttl := m.TTL("cache:analysis:standard:abc"); ttl != time.Hour {
		t.Fatalf("expected default TTL of 1h, got %s", ttl)
	}

	m.FastForward(2 * time.Hour)
	if _, ok := store.Get(ctx, "cache:analysis:standard:abc"); ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestRedisStore_DegradesWhenUnavailable(t *testing.T) {
	store, m := newTestStore(t)
	ctx := context.Background()
	m.Close()

	store.Set(ctx, "k", []byte("v"), time.Minute)
	if _, ok := store.Get(ctx, "k"); ok {
		t.Fatalf("expected miss when redis is down")
	}
	if store.Delete(ctx, "k") {
		t.Fatalf("expected delete to report nothing removed when redis is down")
	}
	if store.Health(ctx) {
		t.Fatalf("expected unhealthy cache when redis is down")
	}
}

func TestRedisStore_PurgeOnlyTouchesAnalysisKeys(t *testing.T) {
	store, m := newTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"cache:analysis:standard:a", "cache:analysis:deep:b", "cache:analysis:standard:c"} {
		store.Set(ctx, k, []byte("{}"), 0)
	}
	_ = m.Set("task:keep", "x")

	if got := store.Purge(ctx); got != 3 {
		t.Fatalf("expected 3 purged keys, got %d", got)
	}
	if !m.Exists("task:keep") {
		t.Fatalf("expected unrelated keys to survive purge")
	}
}

func TestDisabled_AlwaysMisses(t *testing.T) {
	var s Store = Disabled{}
	s.Set(context.Background(), "k", []byte("v"), time.Minute)
	if _, ok := s.Get(context.Background(), "k"); ok {
		t.Fatalf("expected disabled cache to miss")
	}
}
