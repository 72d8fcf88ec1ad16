package jobs

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"croanalyzer/internal/config"
	"croanalyzer/internal/store"
)

// Executor runs a single task execution.
type Executor interface {
	Execute(ctx context.Context, id string)
}

// Runner pops task ids from the queue and dispatches them to the
// executor. It encapsulates concurrency limits, delayed-task promotion
// and periodic retention cleanup.
type Runner struct {
	cfg    *config.Config
	queue  store.Queue
	exec   Executor
	pruner Pruner
	logger *slog.Logger

	active atomic.Int64
	wg     sync.WaitGroup
}

// NewRunner constructs a Runner. pruner may be nil when no archive is
// configured; retention cleanup is then skipped.
func NewRunner(cfg *config.Config, q store.Queue, exec Executor, pruner Pruner, logger *slog.Logger) *Runner {
	return &Runner{cfg: cfg, queue: q, exec: exec, pruner: pruner, logger: logger}
}

// RunnerStats is a snapshot of worker usage.
type RunnerStats struct {
	Active   int `json:"active"`
	Capacity int `json:"capacity"`
	// Workers counts reporting processes when stats are summed.
	Workers int `json:"workers,omitempty"`
}

func (r *Runner) Stats() RunnerStats {
	return RunnerStats{Active: int(r.active.Load()), Capacity: r.maxJobs(), Workers: 1}
}

func (r *Runner) maxJobs() int {
	if r.cfg.Worker.MaxConcurrentJobs <= 0 {
		return 4
	}
	return r.cfg.Worker.MaxConcurrentJobs
}

func (r *Runner) logWarn(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Warn(msg, args...)
	}
}

func (r *Runner) logInfo(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Info(msg, args...)
	}
}

// Start runs the worker loop in the current goroutine until ctx is done,
// then waits for in-flight executions to return.
func (r *Runner) Start(ctx context.Context) {
	pollInterval := r.cfg.Worker.PollInterval()
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	sem := make(chan struct{}, r.maxJobs())
	defer r.wg.Wait()

	var lastCleanup time.Time
	cleanupInterval := time.Duration(r.cfg.Retention.CleanupIntervalMinutes) * time.Minute
	if cleanupInterval <= 0 {
		cleanupInterval = time.Hour
	}

	r.logInfo("worker_started", "concurrency", cap(sem), "poll_interval", pollInterval.String())
	for {
		if ctx.Err() != nil {
			r.logInfo("worker_stopping", "active", r.active.Load())
			return
		}

		if r.cfg.Retention.Enabled && r.pruner != nil {
			now := time.Now().UTC()
			if lastCleanup.IsZero() || now.Sub(lastCleanup) >= cleanupInterval {
				stats, err := CleanupExpiredData(ctx, r.cfg, r.pruner)
				if err != nil {
					r.logWarn("retention_cleanup_failed", "error", err)
				} else if stats.AnalysesDeleted > 0 {
					r.logInfo("retention_cleanup", "deleted", stats.AnalysesDeleted)
				}
				lastCleanup = now
			}
		}

		if _, err := r.queue.PromoteDue(ctx, time.Now().UTC()); err != nil && ctx.Err() == nil {
			r.logWarn("queue_promote_failed", "error", err)
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			continue
		}

		id, err := r.queue.Dequeue(ctx, pollInterval)
		if err != nil || id == "" {
			<-sem
			if err != nil && ctx.Err() == nil {
				r.logWarn("queue_dequeue_failed", "error", err)
				select {
				case <-time.After(pollInterval):
				case <-ctx.Done():
				}
			}
			continue
		}

		r.wg.Add(1)
		r.active.Add(1)
		go func() {
			defer func() {
				r.active.Add(-1)
				<-sem
				r.wg.Done()
			}()
			r.exec.Execute(ctx, id)
			r.ack(ctx, id)
		}()
	}
}

// ack releases the queue claim once Execute has settled or requeued the
// task. It runs even when ctx has ended.
func (r *Runner) ack(ctx context.Context, id string) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.queue.Ack(actx, id); err != nil {
		r.logWarn("queue_ack_failed", "task_id", id, "error", err)
	}
}
