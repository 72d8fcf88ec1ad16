package browser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeLauncher struct {
	mu        sync.Mutex
	launches  int
	failFirst int
	failAll   bool
	instances []*fakeInstance
}

func (l *fakeLauncher) Launch(ctx context.Context) (Instance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	if l.failAll || l.launches <= l.failFirst {
		return nil, errors.New("chromium failed to start")
	}
	inst := &fakeInstance{id: l.launches}
	l.instances = append(l.instances, inst)
	return inst, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

type fakeInstance struct {
	id     int
	pages  atomic.Int64
	closed atomic.Bool
	dead   atomic.Bool
}

func (i *fakeInstance) NewPage(ctx context.Context) (Page, error) {
	if i.closed.Load() {
		return nil, errors.New("instance closed")
	}
	i.pages.Add(1)
	return &fakePage{inst: i}, nil
}

func (i *fakeInstance) Ping(ctx context.Context) error {
	if i.dead.Load() || i.closed.Load() {
		return errors.New("browser not responding")
	}
	return nil
}

func (i *fakeInstance) Close() error {
	i.closed.Store(true)
	return nil
}

type fakePage struct {
	inst   *fakeInstance
	closed atomic.Bool
}

func (p *fakePage) Navigate(ctx context.Context, url string) (int, error) { return 200, nil }
func (p *fakePage) WaitSettled(ctx context.Context, idle, maxWait time.Duration) error {
	return nil
}
func (p *fakePage) SetViewport(ctx context.Context, v Viewport) error          { return nil }
func (p *fakePage) Screenshot(ctx context.Context, clip *Clip) ([]byte, error) { return nil, nil }
func (p *fakePage) EvalJSON(ctx context.Context, js string, out any) error     { return nil }
func (p *fakePage) HTML(ctx context.Context) (string, error)                   { return "", nil }
func (p *fakePage) Title(ctx context.Context) (string, error)                  { return "", nil }
func (p *fakePage) Close() error {
	p.closed.Store(true)
	return nil
}

func instanceOf(t *testing.T, l *Lease) *fakeInstance {
	t.Helper()
	fp, ok := l.Page().(*fakePage)
	if !ok {
		t.Fatalf("expected *fakePage, got %T", l.Page())
	}
	return fp.inst
}

func TestPool_ConcurrentAcquireNeverSharesInstance(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := NewPool(Options{Size: 3, MaxPagesPerBrowser: 1000, AcquireTimeout: 5 * time.Second}, launcher, nil)
	if err := pool.Warm(context.Background()); err != nil {
		t.Fatalf("Warm error: %v", err)
	}

	var (
		mu      sync.Mutex
		holding = make(map[*fakeInstance]bool)
		wg      sync.WaitGroup
		errs    = make(chan error, 200)
	)
	for w := 0; w < 12; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				lease, err := pool.Acquire(context.Background())
				if err != nil {
					errs <- err
					return
				}
				inst := lease.Page().(*fakePage).inst

				mu.Lock()
				if holding[inst] {
					mu.Unlock()
					errs <- errors.New("instance checked out twice")
					lease.Release()
					return
				}
				holding[inst] = true
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				delete(holding, inst)
				mu.Unlock()
				lease.Release()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}

	st := pool.Stats()
	if st.InUse != 0 {
		t.Fatalf("expected no browsers in use after all releases, got %d", st.InUse)
	}
	if st.Acquired != 120 || st.Released != 120 {
		t.Fatalf("expected 120 acquires and releases, got %d/%d", st.Acquired, st.Released)
	}
}

func TestPool_RecyclesAfterMaxPages(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := NewPool(Options{Size: 1, MaxPagesPerBrowser: 3}, launcher, nil)
	_ = pool.Warm(context.Background())

	var first *fakeInstance
	for i := 0; i < 3; i++ {
		lease, err := pool.Acquire(context.Background())
		if err != nil {
			t.Fatalf("Acquire %d error: %v", i, err)
		}
		if first == nil {
			first = instanceOf(t, lease)
		}
		if got := pool.Stats().Recycled; got != 0 {
			t.Fatalf("expected no recycling while checked out, got %d", got)
		}
		lease.Release()
	}

	if got := pool.Stats().Recycled; got != 1 {
		t.Fatalf("expected 1 recycle after 3 pages, got %d", got)
	}
	if !first.closed.Load() {
		t.Fatalf("expected recycled instance to be closed")
	}
	if got := launcher.count(); got != 2 {
		t.Fatalf("expected a replacement launch, got %d launches", got)
	}

	lease, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after recycle error: %v", err)
	}
	defer lease.Release()
	if instanceOf(t, lease) == first {
		t.Fatalf("expected a fresh instance after recycling")
	}
}

func TestPool_PrewarmFailuresAreLazilyRetried(t *testing.T) {
	launcher := &fakeLauncher{failFirst: 2}
	pool := NewPool(Options{Size: 3}, launcher, nil)

	if err := pool.Warm(context.Background()); err == nil {
		t.Fatalf("expected Warm to report individual failures")
	}
	st := pool.Stats()
	if st.Degraded {
		t.Fatalf("expected pool not degraded with one browser up")
	}
	if st.Empty != 2 {
		t.Fatalf("expected 2 empty slots, got %d", st.Empty)
	}

	leases := make([]*Lease, 0, 3)
	for i := 0; i < 3; i++ {
		lease, err := pool.Acquire(context.Background())
		if err != nil {
			t.Fatalf("Acquire %d error: %v", i, err)
		}
		leases = append(leases, lease)
	}
	for _, l := range leases {
		l.Release()
	}
	if st := pool.Stats(); st.Empty != 0 || st.Standalone != 0 {
		t.Fatalf("expected empty slots refilled without standalone, got %+v", st)
	}
}

func TestPool_DegradedFallsBackToStandalone(t *testing.T) {
	launcher := &fakeLauncher{failFirst: 2}
	pool := NewPool(Options{Size: 2, StandaloneFallback: true}, launcher, nil)
	_ = pool.Warm(context.Background())

	if !pool.Stats().Degraded {
		t.Fatalf("expected degraded pool when every prewarm fails")
	}

	lease, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("expected standalone lease, got error: %v", err)
	}
	if !lease.Standalone() {
		t.Fatalf("expected standalone lease in degraded mode")
	}
	inst := instanceOf(t, lease)
	lease.Release()
	if !inst.closed.Load() {
		t.Fatalf("expected standalone browser closed on release")
	}
	if got := pool.Stats().Standalone; got != 1 {
		t.Fatalf("expected 1 standalone launch, got %d", got)
	}
}

func TestPool_ExhaustedWhenStandaloneAlsoFails(t *testing.T) {
	launcher := &fakeLauncher{failAll: true}
	pool := NewPool(Options{Size: 1, StandaloneFallback: true}, launcher, nil)
	_ = pool.Warm(context.Background())

	_, err := pool.Acquire(context.Background())
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
}

func TestPool_AcquireTimesOutWithoutFallback(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := NewPool(Options{Size: 1, AcquireTimeout: 30 * time.Millisecond}, launcher, nil)
	_ = pool.Warm(context.Background())

	held, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	defer held.Release()

	start := time.Now()
	if _, err := pool.Acquire(context.Background()); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	if waited := time.Since(start); waited < 30*time.Millisecond {
		t.Fatalf("expected bounded wait before exhaustion, waited %s", waited)
	}
}

func TestPool_UnhealthyInstanceIsNeverHandedOut(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := NewPool(Options{Size: 1}, launcher, nil)
	_ = pool.Warm(context.Background())

	launcher.mu.Lock()
	dead := launcher.instances[0]
	launcher.mu.Unlock()
	dead.dead.Store(true)

	lease, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	defer lease.Release()
	if instanceOf(t, lease) == dead {
		t.Fatalf("expected dead instance to be replaced")
	}
	if !dead.closed.Load() {
		t.Fatalf("expected dead instance to be closed")
	}
}

func TestPool_ReleaseIsIdempotent(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := NewPool(Options{Size: 1}, launcher, nil)
	_ = pool.Warm(context.Background())

	lease, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	lease.Release()
	lease.Release()

	if got := pool.Stats().Released; got != 1 {
		t.Fatalf("expected a single release, got %d", got)
	}
	if got := len(pool.free); got != 1 {
		t.Fatalf("expected slot returned once, got %d idle", got)
	}
}

func TestPool_MarkUnhealthyRecyclesOnRelease(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := NewPool(Options{Size: 1, MaxPagesPerBrowser: 100}, launcher, nil)
	_ = pool.Warm(context.Background())

	lease, _ := pool.Acquire(context.Background())
	inst := instanceOf(t, lease)
	lease.MarkUnhealthy()
	lease.Release()

	if !inst.closed.Load() {
		t.Fatalf("expected unhealthy instance closed on release")
	}
	if got := pool.Stats().Recycled; got != 1 {
		t.Fatalf("expected 1 recycle, got %d", got)
	}
}

func TestPool_SweepRecyclesAgedIdleBrowsers(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := NewPool(Options{Size: 2, MaxAge: time.Minute}, launcher, nil)
	_ = pool.Warm(context.Background())

	pool.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	pool.sweep(context.Background())

	if got := pool.Stats().Recycled; got != 2 {
		t.Fatalf("expected both aged browsers recycled, got %d", got)
	}
	if got := launcher.count(); got != 4 {
		t.Fatalf("expected 2 replacement launches, got %d total", got)
	}
}

func TestPool_CloseShutsDownIdleBrowsers(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := NewPool(Options{Size: 2}, launcher, nil)
	_ = pool.Warm(context.Background())

	if err := pool.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	for _, inst := range launcher.instances {
		if !inst.closed.Load() {
			t.Fatalf("expected instance %d closed", inst.id)
		}
	}
	if _, err := pool.Acquire(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed after Close, got %v", err)
	}
}

func TestPool_ReleaseRacingCloseNeverLeaksBrowser(t *testing.T) {
	for i := 0; i < 50; i++ {
		launcher := &fakeLauncher{}
		pool := NewPool(Options{Size: 4, MaxPagesPerBrowser: 1000}, launcher, nil)
		_ = pool.Warm(context.Background())

		leases := make([]*Lease, 0, 4)
		for j := 0; j < 4; j++ {
			lease, err := pool.Acquire(context.Background())
			if err != nil {
				t.Fatalf("Acquire error: %v", err)
			}
			leases = append(leases, lease)
		}

		var wg sync.WaitGroup
		for _, lease := range leases {
			wg.Add(1)
			go func(l *Lease) {
				defer wg.Done()
				l.Release()
			}(lease)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.Close()
		}()
		wg.Wait()

		for _, inst := range launcher.instances {
			if !inst.closed.Load() {
				t.Fatalf("round %d: instance %d left running after Close", i, inst.id)
			}
		}
	}
}

func TestPool_ReleaseAfterCloseClosesInstance(t *testing.T) {
	launcher := &fakeLauncher{}
	pool := NewPool(Options{Size: 1}, launcher, nil)
	_ = pool.Warm(context.Background())

	lease, _ := pool.Acquire(context.Background())
	inst := instanceOf(t, lease)
	_ = pool.Close()
	if inst.closed.Load() {
		t.Fatalf("expected leased instance to stay open until released")
	}
	lease.Release()
	if !inst.closed.Load() {
		t.Fatalf("expected instance closed on release after Close")
	}
	if got := len(pool.free); got != 0 {
		t.Fatalf("expected no idle slots after Close, got %d", got)
	}
}
