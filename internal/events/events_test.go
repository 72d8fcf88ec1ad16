package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"croanalyzer/internal/model"
)

func TestSubject(t *testing.T) {
	cases := []struct {
		prefix string
		state  model.State
		want   string
	}{
		{"cro.tasks", model.StateSuccess, "cro.tasks.success"},
		{"", model.StatePending, "cro.tasks.pending"},
		{"acme.cro.", model.StateProgress, "acme.cro.progress"},
	}
	for _, tc := range cases {
		if got := Subject(tc.prefix, tc.state); got != tc.want {
			t.Fatalf("Subject(%q, %s) = %q, want %q", tc.prefix, tc.state, got, tc.want)
		}
	}
}

func TestFromTask(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	task := model.NewTask("t1", "https://example.com", model.Options{}, 3, now)
	task.Fail(model.Failure{Kind: model.KindCancelled, Message: "cancelled"}, now)

	e := FromTask(task)
	if e.TaskID != "t1" || e.State != model.StateFailure || e.FailureKind != model.KindCancelled {
		t.Fatalf("unexpected event %+v", e)
	}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	_ = json.Unmarshal(data, &decoded)
	if decoded["failure_kind"] != "CANCELLED" || decoded["state"] != "FAILURE" {
		t.Fatalf("unexpected wire shape %s", data)
	}
}

func TestNewNATSPublisher_UnreachableServer(t *testing.T) {
	if _, err := NewNATSPublisher("nats://127.0.0.1:1", ""); err == nil {
		t.Fatalf("expected connect error")
	}
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	if err := p.Publish(context.Background(), Event{}); err != nil || !p.Healthy() {
		t.Fatalf("expected Nop to accept events")
	}
}
