package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"croanalyzer/internal/browser"
)

type fixedPool browser.Stats

func (p fixedPool) Stats() browser.Stats { return browser.Stats(p) }

type fixedRunner RunnerStats

func (r fixedRunner) Stats() RunnerStats { return RunnerStats(r) }

func newStatsRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run error: %v", err)
	}
	t.Cleanup(m.Close)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return m, rdb
}

func TestClusterStats_SumsWorkerReports(t *testing.T) {
	_, rdb := newStatsRedis(t)
	ctx := context.Background()

	a := NewReporter(rdb, "worker-a", fixedPool{Size: 2, InUse: 1, Idle: 1, AvgAgeSeconds: 10, Acquired: 5},
		fixedRunner{Active: 1, Capacity: 4}, time.Second, nil)
	b := NewReporter(rdb, "worker-b", fixedPool{Size: 3, InUse: 3, Degraded: true, AvgAgeSeconds: 20, Acquired: 7},
		fixedRunner{Active: 3, Capacity: 4}, time.Second, nil)
	for _, r := range []*Reporter{a, b} {
		if err := r.Publish(ctx); err != nil {
			t.Fatalf("Publish error: %v", err)
		}
	}

	cluster := NewClusterStats(rdb, nil)
	pool := cluster.Pool().Stats()
	if pool.Size != 5 || pool.InUse != 4 || pool.Idle != 1 || pool.Acquired != 12 {
		t.Fatalf("unexpected pool sum %+v", pool)
	}
	if !pool.Degraded {
		t.Fatalf("expected a degraded worker to degrade the sum")
	}
	if pool.AvgAgeSeconds != 16 {
		t.Fatalf("expected size-weighted average age 16, got %v", pool.AvgAgeSeconds)
	}
	workers := cluster.Workers().Stats()
	if workers.Workers != 2 || workers.Active != 4 || workers.Capacity != 8 {
		t.Fatalf("unexpected runner sum %+v", workers)
	}
}

func TestReporter_ReportExpiresWithWorker(t *testing.T) {
	m, rdb := newStatsRedis(t)
	r := NewReporter(rdb, "w1", fixedPool{Size: 1}, fixedRunner{Capacity: 2}, time.Second, nil)
	if err := r.Publish(context.Background()); err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	if ttl := m.TTL(workerStatsPrefix + "w1"); ttl != 3*time.Second {
		t.Fatalf("expected 3s ttl, got %s", ttl)
	}
	m.FastForward(4 * time.Second)

	reps, err := NewClusterStats(rdb, nil).Reports(context.Background())
	if err != nil || len(reps) != 0 {
		t.Fatalf("expected no live reports, got %v (%v)", reps, err)
	}
}

func TestReporter_RunWithdrawsReportOnStop(t *testing.T) {
	m, rdb := newStatsRedis(t)
	r := NewReporter(rdb, "w1", fixedPool{Size: 1}, nil, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !m.Exists(workerStatsPrefix+"w1") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !m.Exists(workerStatsPrefix + "w1") {
		t.Fatalf("expected report published")
	}
	cancel()
	<-done
	if m.Exists(workerStatsPrefix + "w1") {
		t.Fatalf("expected report removed on stop")
	}
}

func TestClusterStats_NoWorkers(t *testing.T) {
	_, rdb := newStatsRedis(t)
	cluster := NewClusterStats(rdb, nil)
	if st := cluster.Pool().Stats(); st.Size != 0 {
		t.Fatalf("expected empty pool, got %+v", st)
	}
	if st := cluster.Workers().Stats(); st.Workers != 0 || st.Capacity != 0 {
		t.Fatalf("expected no workers, got %+v", st)
	}
}
