package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"croanalyzer/internal/metrics"
)

// RetryOptions bound the retry loop around a provider call.
type RetryOptions struct {
	// MaxAttempts counts the first call.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Retrying retries transient provider failures with capped exponential
// backoff. Permanent failures return after the first attempt.
type Retrying struct {
	next   VisionClient
	opts   RetryOptions
	logger *slog.Logger
}

func NewRetrying(next VisionClient, opts RetryOptions, logger *slog.Logger) *Retrying {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 2 * time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 10 * time.Second
	}
	return &Retrying{next: next, opts: opts, logger: logger}
}

func (r *Retrying) Provider() Provider { return r.next.Provider() }
func (r *Retrying) Model() string      { return r.next.Model() }

func (r *Retrying) Analyze(ctx context.Context, req VisionRequest) (Response, error) {
	backoff := retry.WithMaxRetries(uint64(r.opts.MaxAttempts-1),
		retry.WithCappedDuration(r.opts.MaxDelay, retry.NewExponential(r.opts.BaseDelay)))

	var (
		resp    Response
		attempt int
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		out, err := r.next.Analyze(ctx, req)
		if err != nil {
			metrics.RecordLLMCall(string(r.next.Provider()), r.next.Model(), false)
			if IsTransient(err) {
				metrics.RecordLLMRetry(string(r.next.Provider()))
				if r.logger != nil {
					r.logger.Warn("llm_call_retrying", "provider", r.next.Provider(), "attempt", attempt, "error", err)
				}
				return retry.RetryableError(err)
			}
			return err
		}
		metrics.RecordLLMCall(string(r.next.Provider()), r.next.Model(), true)
		resp = out
		return nil
	})
	return resp, err
}
