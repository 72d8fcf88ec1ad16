package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"croanalyzer/internal/metrics"
)

var (
	// ErrPoolExhausted means no pooled browser became free within the
	// acquire timeout and no standalone browser could be started.
	ErrPoolExhausted = errors.New("browser pool exhausted")
	ErrPoolClosed    = errors.New("browser pool closed")
)

// Options controls pool sizing and recycling thresholds.
type Options struct {
	Size                int
	MaxPagesPerBrowser  int
	MaxAge              time.Duration
	AcquireTimeout      time.Duration
	HealthCheckInterval time.Duration
	ProbeTimeout        time.Duration
	LaunchTimeout       time.Duration
	// StandaloneFallback launches an unpooled browser when the pool is
	// exhausted or could not be initialized.
	StandaloneFallback bool
}

func (o *Options) applyDefaults() {
	if o.Size <= 0 {
		o.Size = 5
	}
	if o.MaxPagesPerBrowser <= 0 {
		o.MaxPagesPerBrowser = 10
	}
	if o.MaxAge <= 0 {
		o.MaxAge = 5 * time.Minute
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 15 * time.Second
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = 30 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 5 * time.Second
	}
	if o.LaunchTimeout <= 0 {
		o.LaunchTimeout = 30 * time.Second
	}
}

// slot is one pool position. It is idle exactly when it sits in Pool.free;
// whoever received it from the channel owns it until it is sent back.
type slot struct {
	id        int
	inst      Instance
	createdAt time.Time
	served    int
	busy      bool
}

// Pool keeps a bounded set of warm browsers and lends out pages.
type Pool struct {
	opts     Options
	launcher Launcher
	logger   *slog.Logger
	now      func() time.Time

	free chan *slot
	done chan struct{}

	mu              sync.Mutex
	slots           []*slot
	closed          bool
	degraded        bool
	standaloneInUse int
	acquired        int64
	released        int64
	recycled        int64
	standalone      int64
	failures        int64
}

// NewPool builds a pool with empty slots. Call Warm to pre-launch browsers;
// empty slots are otherwise launched on first use.
func NewPool(opts Options, launcher Launcher, logger *slog.Logger) *Pool {
	opts.applyDefaults()
	p := &Pool{
		opts:     opts,
		launcher: launcher,
		logger:   logger,
		now:      time.Now,
		free:     make(chan *slot, opts.Size),
		done:     make(chan struct{}),
	}
	for i := 0; i < opts.Size; i++ {
		s := &slot{id: i}
		p.slots = append(p.slots, s)
		p.free <- s
	}
	return p
}

func (p *Pool) logInfo(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Info(msg, args...)
	}
}

func (p *Pool) logWarn(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Warn(msg, args...)
	}
}

// Warm launches a browser in every idle empty slot concurrently. Individual
// failures are tolerated; if nothing launches the pool turns degraded and
// Acquire falls back to standalone browsers.
func (p *Pool) Warm(ctx context.Context) error {
	taken := p.takeIdle()
	defer p.giveBack(taken)

	var (
		launched int
		errs     []error
		resMu    sync.Mutex
	)
	for _, s := range taken {
		if s.inst != nil {
			launched++
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range taken {
		if s.inst != nil {
			continue
		}
		s := s
		g.Go(func() error {
			inst, err := p.launch(gctx)
			resMu.Lock()
			defer resMu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("slot %d: %w", s.id, err))
				p.logWarn("browser_prewarm_failed", "slot", s.id, "error", err)
				return nil
			}
			p.install(s, inst)
			launched++
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	p.degraded = launched == 0 && len(p.slots) > 0
	degraded := p.degraded
	p.mu.Unlock()

	if degraded {
		p.logWarn("browser_pool_degraded", "size", p.opts.Size)
	} else {
		p.logInfo("browser_pool_ready", "size", p.opts.Size, "launched", launched)
	}
	p.publishGauges()
	return errors.Join(errs...)
}

// Lease is a checked-out page. Release must be called on every exit path;
// it is safe to call more than once.
type Lease struct {
	pool       *Pool
	slot       *slot
	inst       Instance
	page       Page
	standalone bool
	unhealthy  bool
	once       sync.Once
}

func (l *Lease) Page() Page { return l.page }

// Standalone reports whether the lease runs on an unpooled browser.
func (l *Lease) Standalone() bool { return l.standalone }

// MarkUnhealthy forces the instance to be replaced on release.
func (l *Lease) MarkUnhealthy() { l.unhealthy = true }

func (l *Lease) Release() {
	l.once.Do(func() { l.pool.release(l) })
}

// Acquire checks out a fresh page on a healthy pooled browser.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	closed, degraded := p.closed, p.degraded
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}
	if degraded {
		return p.acquireStandalone(ctx, errors.New("pool degraded"))
	}

	timer := time.NewTimer(p.opts.AcquireTimeout)
	defer timer.Stop()

	var s *slot
	select {
	case s = <-p.free:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrPoolClosed
	case <-timer.C:
		p.logWarn("browser_pool_exhausted", "wait", p.opts.AcquireTimeout.String())
		metrics.RecordPoolEvent("exhausted")
		if p.opts.StandaloneFallback {
			return p.acquireStandalone(ctx, ErrPoolExhausted)
		}
		return nil, ErrPoolExhausted
	}

	p.mu.Lock()
	s.busy = true
	p.mu.Unlock()

	lease, err := p.checkout(ctx, s)
	if err != nil {
		p.mu.Lock()
		s.busy = false
		p.failures++
		p.mu.Unlock()
		p.giveBack([]*slot{s})
		metrics.RecordPoolEvent("failure")
		if p.opts.StandaloneFallback && ctx.Err() == nil {
			return p.acquireStandalone(ctx, err)
		}
		return nil, err
	}

	metrics.RecordPoolEvent("acquired")
	p.publishGauges()
	return lease, nil
}

// checkout prepares an owned slot: replaces aged or dead instances, probes
// liveness and opens a page.
func (p *Pool) checkout(ctx context.Context, s *slot) (*Lease, error) {
	p.mu.Lock()
	inst := s.inst
	aged := inst != nil && p.now().Sub(s.createdAt) > p.opts.MaxAge
	p.mu.Unlock()

	if aged {
		p.logInfo("browser_recycled", "slot", s.id, "reason", "max_age")
		p.discard(s)
		p.countRecycle()
		inst = nil
	}

	if inst != nil {
		probeCtx, cancel := context.WithTimeout(ctx, p.opts.ProbeTimeout)
		err := inst.Ping(probeCtx)
		cancel()
		if err != nil {
			p.logWarn("browser_unhealthy", "slot", s.id, "error", err)
			p.discard(s)
			inst = nil
		}
	}

	if inst == nil {
		var err error
		inst, err = p.launch(ctx)
		if err != nil {
			return nil, fmt.Errorf("launch pooled browser: %w", err)
		}
		p.install(s, inst)
	}

	page, err := inst.NewPage(ctx)
	if err != nil {
		p.discard(s)
		return nil, fmt.Errorf("open page: %w", err)
	}

	p.mu.Lock()
	s.served++
	p.acquired++
	p.mu.Unlock()

	return &Lease{pool: p, slot: s, inst: inst, page: page}, nil
}

func (p *Pool) acquireStandalone(ctx context.Context, cause error) (*Lease, error) {
	inst, err := p.launch(ctx)
	if err != nil {
		p.mu.Lock()
		p.failures++
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: standalone launch failed after %v: %v", ErrPoolExhausted, cause, err)
	}
	page, err := inst.NewPage(ctx)
	if err != nil {
		_ = inst.Close()
		p.mu.Lock()
		p.failures++
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: standalone page failed after %v: %v", ErrPoolExhausted, cause, err)
	}

	p.mu.Lock()
	p.standalone++
	p.standaloneInUse++
	p.acquired++
	p.mu.Unlock()

	p.logWarn("browser_standalone_fallback", "cause", cause.Error())
	metrics.RecordPoolEvent("standalone")
	return &Lease{pool: p, inst: inst, page: page, standalone: true}, nil
}

func (p *Pool) release(l *Lease) {
	if l.page != nil {
		if err := l.page.Close(); err != nil {
			p.logWarn("browser_page_close_failed", "error", err)
			l.unhealthy = true
		}
	}

	if l.standalone {
		_ = l.inst.Close()
		p.mu.Lock()
		p.standaloneInUse--
		p.released++
		p.mu.Unlock()
		metrics.RecordPoolEvent("released")
		return
	}

	s := l.slot
	p.mu.Lock()
	reason := ""
	switch {
	case l.unhealthy:
		reason = "unhealthy"
	case s.served >= p.opts.MaxPagesPerBrowser:
		reason = "max_pages"
	case p.now().Sub(s.createdAt) > p.opts.MaxAge:
		reason = "max_age"
	}
	p.mu.Unlock()

	if reason != "" {
		p.logInfo("browser_recycled", "slot", s.id, "reason", reason)
		p.discard(s)
		p.countRecycle()
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.LaunchTimeout)
		inst, err := p.launch(ctx)
		cancel()
		if err != nil {
			// Left empty; the next acquire or maintenance pass relaunches it.
			p.logWarn("browser_relaunch_failed", "slot", s.id, "error", err)
		} else {
			p.install(s, inst)
		}
	}

	p.mu.Lock()
	s.busy = false
	p.released++
	p.mu.Unlock()

	metrics.RecordPoolEvent("released")
	p.giveBack([]*slot{s})
	p.publishGauges()
}

// Maintain periodically probes idle browsers, replacing aged or dead ones
// and refilling empty slots, until ctx is done.
func (p *Pool) Maintain(ctx context.Context) {
	ticker := time.NewTicker(p.opts.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Pool) sweep(ctx context.Context) {
	taken := p.takeIdle()
	defer p.giveBack(taken)

	healthy := 0
	for _, s := range taken {
		p.mu.Lock()
		inst := s.inst
		aged := inst != nil && p.now().Sub(s.createdAt) > p.opts.MaxAge
		p.mu.Unlock()

		if inst != nil && !aged {
			probeCtx, cancel := context.WithTimeout(ctx, p.opts.ProbeTimeout)
			err := inst.Ping(probeCtx)
			cancel()
			if err == nil {
				healthy++
				continue
			}
			p.logWarn("browser_unhealthy", "slot", s.id, "error", err)
		}
		if inst != nil {
			p.discard(s)
			if aged {
				p.countRecycle()
			}
		}

		next, err := p.launch(ctx)
		if err != nil {
			p.logWarn("browser_relaunch_failed", "slot", s.id, "error", err)
			continue
		}
		p.install(s, next)
		healthy++
	}

	if healthy > 0 {
		p.mu.Lock()
		wasDegraded := p.degraded
		p.degraded = false
		p.mu.Unlock()
		if wasDegraded {
			p.logInfo("browser_pool_recovered", "healthy", healthy)
		}
	}
	p.publishGauges()
}

// Close shuts down every pooled browser. Leases still out are closed when
// they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	taken := p.takeIdle()
	g := new(errgroup.Group)
	g.SetLimit(4)
	for _, s := range taken {
		s := s
		g.Go(func() error {
			p.mu.Lock()
			inst := s.inst
			s.inst = nil
			p.mu.Unlock()
			if inst == nil {
				return nil
			}
			return inst.Close()
		})
	}
	return g.Wait()
}

// Stats is a point-in-time view of pool usage.
type Stats struct {
	Size            int     `json:"total"`
	InUse           int     `json:"in_use"`
	Idle            int     `json:"available"`
	Empty           int     `json:"empty"`
	StandaloneInUse int     `json:"standalone_in_use"`
	Degraded        bool    `json:"degraded"`
	Saturated       bool    `json:"saturated"`
	Acquired        int64   `json:"acquired"`
	Released        int64   `json:"released"`
	Recycled        int64   `json:"recycled"`
	Standalone      int64   `json:"standalone"`
	Failures        int64   `json:"failures"`
	AvgAgeSeconds   float64 `json:"avg_age_seconds"`
	AvgPagesServed  float64 `json:"avg_pages_served"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{
		Size:            len(p.slots),
		StandaloneInUse: p.standaloneInUse,
		Degraded:        p.degraded,
		Acquired:        p.acquired,
		Released:        p.released,
		Recycled:        p.recycled,
		Standalone:      p.standalone,
		Failures:        p.failures,
	}

	var ageSum float64
	var servedSum, live int
	now := p.now()
	for _, s := range p.slots {
		switch {
		case s.busy:
			st.InUse++
		case s.inst == nil:
			st.Empty++
		default:
			st.Idle++
		}
		if s.inst != nil {
			live++
			ageSum += now.Sub(s.createdAt).Seconds()
			servedSum += s.served
		}
	}
	if live > 0 {
		st.AvgAgeSeconds = ageSum / float64(live)
		st.AvgPagesServed = float64(servedSum) / float64(live)
	}
	st.Saturated = st.InUse == st.Size
	return st
}

func (p *Pool) launch(ctx context.Context) (Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.LaunchTimeout)
	defer cancel()
	return p.launcher.Launch(ctx)
}

func (p *Pool) install(s *slot, inst Instance) {
	p.mu.Lock()
	s.inst = inst
	s.createdAt = p.now()
	s.served = 0
	p.mu.Unlock()
}

// discard closes and forgets the slot's instance. The caller must own s.
func (p *Pool) discard(s *slot) {
	p.mu.Lock()
	inst := s.inst
	s.inst = nil
	s.served = 0
	p.mu.Unlock()
	if inst != nil {
		if err := inst.Close(); err != nil {
			p.logWarn("browser_close_failed", "slot", s.id, "error", err)
		}
	}
}

func (p *Pool) countRecycle() {
	p.mu.Lock()
	p.recycled++
	p.mu.Unlock()
	metrics.RecordPoolEvent("recycled")
}

// takeIdle drains every slot currently idle without blocking.
func (p *Pool) takeIdle() []*slot {
	var taken []*slot
	for {
		select {
		case s := <-p.free:
			taken = append(taken, s)
		default:
			return taken
		}
	}
}

// giveBack returns owned slots to the idle set, or closes their browsers
// when the pool has shut down. The closed check and the send happen under
// mu so Close either drains the slot or sees it discarded here. free holds
// every slot, so the send never blocks.
func (p *Pool) giveBack(slots []*slot) {
	p.mu.Lock()
	if !p.closed {
		for _, s := range slots {
			p.free <- s
		}
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	for _, s := range slots {
		p.discard(s)
	}
}

func (p *Pool) publishGauges() {
	st := p.Stats()
	metrics.SetPoolGauges(st.InUse, st.Idle, st.Empty)
}
