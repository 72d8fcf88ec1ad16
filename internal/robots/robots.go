package robots

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	robotstxt "github.com/temoto/robotstxt"
)

// DefaultTTL is how long a host's robots.txt is reused.
const DefaultTTL = time.Hour

// maxBody caps how much of a robots.txt is read.
const maxBody = 512 * 1024

// Checker answers whether a URL may be rendered under its host's
// robots.txt. Lookups that fail for any reason other than an explicit
// disallow rule are allowed.
type Checker struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	data    *robotstxt.RobotsData
	fetched time.Time
}

func NewChecker(client *http.Client, userAgent string, ttl time.Duration, logger *slog.Logger) *Checker {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Checker{
		client:    client,
		userAgent: userAgent,
		ttl:       ttl,
		logger:    logger,
		now:       time.Now,
		entries:   make(map[string]entry),
	}
}

// Allowed reports whether rawURL may be fetched by the configured agent.
func (c *Checker) Allowed(ctx context.Context, rawURL string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, fmt.Errorf("parse url: %w", err)
	}
	data := c.lookup(ctx, u)
	if data == nil {
		return true, nil
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	grp := data.FindGroup(c.userAgent)
	if grp == nil {
		return true, nil
	}
	return grp.Test(path), nil
}

func (c *Checker) lookup(ctx context.Context, u *url.URL) *robotstxt.RobotsData {
	key := strings.ToLower(u.Scheme + "://" + u.Host)

	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if ok && c.now().Sub(e.fetched) < c.ttl {
		return e.data
	}

	data, err := c.fetch(ctx, u)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("robots_fetch_failed", "host", u.Host, "error", err)
		}
		// Failed fetches are not cached so the next task tries again.
		return nil
	}

	c.mu.Lock()
	c.entries[key] = entry{data: data, fetched: c.now()}
	c.mu.Unlock()
	return data
}

func (c *Checker) fetch(ctx context.Context, base *url.URL) (*robotstxt.RobotsData, error) {
	robotsURL := &url.URL{
		Scheme: base.Scheme,
		Host:   base.Host,
		Path:   "/robots.txt",
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// A server error says nothing about the site's rules.
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("robots.txt status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, err
	}
	return robotstxt.FromStatusAndBytes(resp.StatusCode, body)
}
