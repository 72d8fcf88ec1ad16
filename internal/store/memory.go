package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"croanalyzer/internal/model"
)

// Memory is an in-process TaskStore and Queue for single-node runs and
// tests. Records are copied on the way in and out so callers never share
// state with the store.
type Memory struct {
	ttl          time.Duration
	claimTimeout time.Duration
	now          func() time.Time

	mu      sync.Mutex
	tasks   map[string]memEntry
	ready   []string
	delayed []delayedEntry
	claims  map[string]time.Time
	notify  chan struct{}
}

type memEntry struct {
	data    []byte
	expires time.Time
}

type delayedEntry struct {
	id string
	at time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &Memory{
		ttl:          ttl,
		claimTimeout: DefaultClaimTimeout,
		now:          time.Now,
		tasks:        make(map[string]memEntry),
		claims:       make(map[string]time.Time),
		notify:       make(chan struct{}, 1),
	}
}

// WithClaimTimeout sets how long a dequeued id may stay unacked before
// PromoteDue hands it out again.
func (m *Memory) WithClaimTimeout(d time.Duration) *Memory {
	if d > 0 {
		m.claimTimeout = d
	}
	return m
}

func (m *Memory) load(id string) (*model.AnalysisTask, error) {
	e, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if m.now().After(e.expires) {
		delete(m.tasks, id)
		return nil, ErrNotFound
	}
	var t model.AnalysisTask
	if err := json.Unmarshal(e.data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (m *Memory) save(t *model.AnalysisTask) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	m.tasks[t.ID] = memEntry{data: data, expires: m.now().Add(m.ttl)}
	return nil
}

func (m *Memory) Create(_ context.Context, t *model.AnalysisTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.load(t.ID); err == nil {
		return fmt.Errorf("create task: id %s already exists", t.ID)
	}
	return m.save(t)
}

func (m *Memory) Get(_ context.Context, id string) (*model.AnalysisTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(id)
}

func (m *Memory) Update(_ context.Context, id string, fn func(*model.AnalysisTask) error) (*model.AnalysisTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.load(id)
	if err != nil {
		return nil, err
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	if err := m.save(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (m *Memory) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.load(id)
	delete(m.tasks, id)
	return err == nil, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Enqueue(_ context.Context, id string) error {
	m.mu.Lock()
	m.ready = append(m.ready, id)
	m.mu.Unlock()
	m.wake()
	return nil
}

func (m *Memory) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Memory) EnqueueAt(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delayed = append(m.delayed, delayedEntry{id: id, at: at})
	return nil
}

func (m *Memory) Dequeue(ctx context.Context, wait time.Duration) (string, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		m.mu.Lock()
		if len(m.ready) > 0 {
			id := m.ready[0]
			m.ready = m.ready[1:]
			m.claims[id] = m.now()
			more := len(m.ready) > 0
			m.mu.Unlock()
			if more {
				m.wake()
			}
			return id, nil
		}
		m.mu.Unlock()

		select {
		case <-m.notify:
		case <-timer.C:
			return "", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (m *Memory) Ack(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.claims, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) PromoteDue(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	sort.SliceStable(m.delayed, func(i, j int) bool { return m.delayed[i].at.Before(m.delayed[j].at) })
	n := 0
	for n < len(m.delayed) && !m.delayed[n].at.After(now) {
		m.ready = append(m.ready, m.delayed[n].id)
		n++
	}
	m.delayed = m.delayed[n:]
	stale := now.Add(-m.claimTimeout)
	for id, at := range m.claims {
		if !at.After(stale) {
			delete(m.claims, id)
			m.ready = append(m.ready, id)
			n++
		}
	}
	m.mu.Unlock()
	if n > 0 {
		m.wake()
	}
	return n, nil
}

func (m *Memory) Depth(context.Context) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.ready)), int64(len(m.delayed)), nil
}
