package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"croanalyzer/internal/browser"
)

const workerStatsPrefix = "cro:workers:"

// WorkerReport is the usage snapshot one worker process publishes.
type WorkerReport struct {
	Worker string        `json:"worker"`
	Runner RunnerStats   `json:"runner"`
	Pool   browser.Stats `json:"pool"`
	At     time.Time     `json:"at"`
}

// PoolSource is satisfied by *browser.Pool.
type PoolSource interface {
	Stats() browser.Stats
}

// RunnerSource is satisfied by *Runner.
type RunnerSource interface {
	Stats() RunnerStats
}

// Reporter periodically writes this worker's pool and runner stats to
// Redis so API-only processes can serve them. Each report expires after
// three intervals, so a dead worker drops out on its own.
type Reporter struct {
	rdb      redis.UniversalClient
	id       string
	pool     PoolSource
	runner   RunnerSource
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewReporter(rdb redis.UniversalClient, id string, pool PoolSource, runner RunnerSource, interval time.Duration, logger *slog.Logger) *Reporter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reporter{rdb: rdb, id: id, pool: pool, runner: runner, interval: interval, logger: logger, now: time.Now}
}

// Publish writes one report.
func (r *Reporter) Publish(ctx context.Context) error {
	rep := WorkerReport{Worker: r.id, At: r.now().UTC()}
	if r.pool != nil {
		rep.Pool = r.pool.Stats()
	}
	if r.runner != nil {
		rep.Runner = r.runner.Stats()
	}
	data, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, workerStatsPrefix+r.id, data, 3*r.interval).Err(); err != nil {
		return fmt.Errorf("publish worker stats: %w", err)
	}
	return nil
}

// Run publishes every interval until ctx is done, then withdraws the
// report.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if err := r.Publish(ctx); err != nil && ctx.Err() == nil && r.logger != nil {
			r.logger.Warn("worker_stats_publish_failed", "worker", r.id, "error", err)
		}
		select {
		case <-ctx.Done():
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			_ = r.rdb.Del(dctx, workerStatsPrefix+r.id).Err()
			cancel()
			return
		case <-ticker.C:
		}
	}
}

// ClusterStats reads the reports of every live worker.
type ClusterStats struct {
	rdb     redis.UniversalClient
	timeout time.Duration
	logger  *slog.Logger
}

func NewClusterStats(rdb redis.UniversalClient, logger *slog.Logger) *ClusterStats {
	return &ClusterStats{rdb: rdb, timeout: 2 * time.Second, logger: logger}
}

// Reports returns the current report of each worker. Unreadable entries
// are skipped.
func (c *ClusterStats) Reports(ctx context.Context) ([]WorkerReport, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := c.rdb.Scan(ctx, cursor, workerStatsPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan worker stats: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read worker stats: %w", err)
	}
	out := make([]WorkerReport, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rep WorkerReport
		if err := json.Unmarshal([]byte(s), &rep); err != nil {
			continue
		}
		out = append(out, rep)
	}
	return out, nil
}

func (c *ClusterStats) reports() []WorkerReport {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	reps, err := c.Reports(ctx)
	if err != nil && c.logger != nil {
		c.logger.Warn("worker_stats_read_failed", "error", err)
	}
	return reps
}

// Pool sums the browser pools of every live worker.
func (c *ClusterStats) Pool() ClusterPool { return ClusterPool{c: c} }

// Workers sums the runners of every live worker.
func (c *ClusterStats) Workers() ClusterWorkers { return ClusterWorkers{c: c} }

type ClusterPool struct{ c *ClusterStats }

func (p ClusterPool) Stats() browser.Stats { return SumPools(p.c.reports()) }

type ClusterWorkers struct{ c *ClusterStats }

func (w ClusterWorkers) Stats() RunnerStats { return SumRunners(w.c.reports()) }

// SumPools merges pool stats. Averages are weighted by pool size; the
// cluster is degraded or saturated when any worker is.
func SumPools(reps []WorkerReport) browser.Stats {
	var out browser.Stats
	var age, pages float64
	for _, r := range reps {
		p := r.Pool
		out.Size += p.Size
		out.InUse += p.InUse
		out.Idle += p.Idle
		out.Empty += p.Empty
		out.StandaloneInUse += p.StandaloneInUse
		out.Degraded = out.Degraded || p.Degraded
		out.Saturated = out.Saturated || p.Saturated
		out.Acquired += p.Acquired
		out.Released += p.Released
		out.Recycled += p.Recycled
		out.Standalone += p.Standalone
		out.Failures += p.Failures
		age += p.AvgAgeSeconds * float64(p.Size)
		pages += p.AvgPagesServed * float64(p.Size)
	}
	if out.Size > 0 {
		out.AvgAgeSeconds = age / float64(out.Size)
		out.AvgPagesServed = pages / float64(out.Size)
	}
	return out
}

func SumRunners(reps []WorkerReport) RunnerStats {
	out := RunnerStats{Workers: len(reps)}
	for _, r := range reps {
		out.Active += r.Runner.Active
		out.Capacity += r.Runner.Capacity
	}
	return out
}
