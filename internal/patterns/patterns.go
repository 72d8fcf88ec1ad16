package patterns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Match is a historical audit finding similar to the page being analyzed.
type Match struct {
	Section         string   `json:"section"`
	Issue           string   `json:"issue"`
	WhyItMatters    string   `json:"why_it_matters"`
	Recommendations []string `json:"recommendations"`
	Similarity      float64  `json:"similarity"`
}

// Source returns historical matches for a query. Implementations never
// fail: an unavailable backend yields no matches.
type Source interface {
	Lookup(ctx context.Context, query string, sections []string) []Match
}

// None is the Source used when pattern lookup is disabled.
type None struct{}

func (None) Lookup(context.Context, string, []string) []Match { return nil }

// Options configure the remote similarity service.
type Options struct {
	URL       string
	TopK      int
	Threshold float64
	Timeout   time.Duration
}

// Client queries a remote vector-similarity service over HTTP.
type Client struct {
	opts   Options
	http   *http.Client
	logger *slog.Logger
}

func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 0.6
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Client{opts: opts, http: &http.Client{Timeout: opts.Timeout}, logger: logger}
}

type queryRequest struct {
	Query     string   `json:"query"`
	Sections  []string `json:"sections,omitempty"`
	TopK      int      `json:"top_k"`
	Threshold float64  `json:"threshold"`
}

type queryResponse struct {
	Matches []Match `json:"matches"`
}

// Lookup returns at most TopK matches at or above Threshold, most similar
// first.
func (c *Client) Lookup(ctx context.Context, query string, sections []string) []Match {
	matches, err := c.query(ctx, query, sections)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("patterns_unavailable", "error", err)
		}
		return nil
	}

	out := matches[:0]
	for _, m := range matches {
		if m.Similarity >= c.opts.Threshold {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > c.opts.TopK {
		out = out[:c.opts.TopK]
	}
	return out
}

func (c *Client) query(ctx context.Context, query string, sections []string) ([]Match, error) {
	payload, err := json.Marshal(queryRequest{
		Query:     query,
		Sections:  sections,
		TopK:      c.opts.TopK,
		Threshold: c.opts.Threshold,
	})
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(c.opts.URL, "/") + "/query"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("patterns query failed with status %d", resp.StatusCode)
	}

	var parsed queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode patterns response: %w", err)
	}
	return parsed.Matches, nil
}
