package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"croanalyzer/internal/model"
)

// DefaultSubjectPrefix is used when none is configured.
const DefaultSubjectPrefix = "cro.tasks"

// Event is one task state transition.
type Event struct {
	TaskID      string            `json:"task_id"`
	URL         string            `json:"url"`
	State       model.State       `json:"state"`
	Message     string            `json:"message,omitempty"`
	Progress    *model.Progress   `json:"progress,omitempty"`
	FailureKind model.FailureKind `json:"failure_kind,omitempty"`
	Attempt     int               `json:"attempt"`
	FromCache   bool              `json:"from_cache,omitempty"`
	At          time.Time         `json:"at"`
}

// FromTask snapshots the task's current state as an event.
func FromTask(t *model.AnalysisTask) Event {
	e := Event{
		TaskID:    t.ID,
		URL:       t.URL,
		State:     t.State,
		Message:   t.Message,
		Progress:  t.Progress,
		Attempt:   t.Attempt,
		FromCache: t.FromCache,
		At:        t.UpdatedAt,
	}
	if t.Failure != nil {
		e.FailureKind = t.Failure.Kind
	}
	return e
}

// Publisher fans task transitions out to interested consumers. Publishing
// is best effort and never blocks task execution on a slow consumer.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Healthy() bool
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Healthy() bool                        { return true }
func (Nop) Close() error                         { return nil }

// NATSPublisher publishes each event on "<prefix>.<state>" using NATS core
// subjects.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("cro-analyzer"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{nc: nc, prefix: normalizePrefix(prefix)}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.nc.Publish(Subject(p.prefix, e.State), data)
}

func (p *NATSPublisher) Healthy() bool {
	return p.nc != nil && p.nc.IsConnected()
}

// Close flushes pending events and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}

// Subject returns the subject an event in state is published on.
func Subject(prefix string, state model.State) string {
	return normalizePrefix(prefix) + "." + strings.ToLower(string(state))
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, ". ")
	if prefix == "" {
		return DefaultSubjectPrefix
	}
	return prefix
}
