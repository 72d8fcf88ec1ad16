package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestTaskLifecycle_HappyPath(t *testing.T) {
	now := time.Now().UTC()
	task := NewTask("t1", "https://example.com", Options{}, 3, now)

	if err := task.Start(now); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if task.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", task.Attempt)
	}
	for i := 1; i <= 5; i++ {
		if err := task.Advance(Progress{Current: i, Total: 5, Percent: i * 20, Status: "step"}, now); err != nil {
			t.Fatalf("Advance(%d) error: %v", i, err)
		}
	}
	if err := task.Succeed(json.RawMessage(`{"url":"https://example.com"}`), "done", now); err != nil {
		t.Fatalf("Succeed error: %v", err)
	}
	if task.Progress == nil || task.Progress.Percent != 100 {
		t.Fatalf("expected 100%% progress on success, got %+v", task.Progress)
	}
}

func TestTaskLifecycle_RejectsPendingToSuccess(t *testing.T) {
	task := NewTask("t1", "https://example.com", Options{}, 3, time.Now())

	err := task.Succeed(json.RawMessage(`{}`), "done", time.Now())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTaskLifecycle_ProgressMustIncrease(t *testing.T) {
	now := time.Now()
	task := NewTask("t1", "https://example.com", Options{}, 3, now)
	_ = task.Start(now)
	_ = task.Advance(Progress{Current: 2, Total: 5}, now)

	if err := task.Advance(Progress{Current: 2, Total: 5}, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected repeated step to be rejected, got %v", err)
	}
	if err := task.Advance(Progress{Current: 1, Total: 5}, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected backwards step to be rejected, got %v", err)
	}
}

func TestTaskLifecycle_TerminalIsImmutable(t *testing.T) {
	now := time.Now()
	task := NewTask("t1", "https://example.com", Options{}, 3, now)
	_ = task.Start(now)
	if err := task.Fail(Failure{Kind: KindUnparsable, Message: "bad"}, now); err != nil {
		t.Fatalf("Fail error: %v", err)
	}

	if err := task.Start(now); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal on Start, got %v", err)
	}
	if err := task.Succeed(json.RawMessage(`{}`), "done", now); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal on Succeed, got %v", err)
	}
	if task.Failure.Kind != KindUnparsable {
		t.Fatalf("expected failure kind to be preserved, got %s", task.Failure.Kind)
	}
}

func TestTaskLifecycle_RequeueResetsProgress(t *testing.T) {
	now := time.Now()
	task := NewTask("t1", "https://example.com", Options{}, 3, now)
	_ = task.Start(now)
	_ = task.Advance(Progress{Current: 3, Total: 5}, now)

	if err := task.Requeue("retry 2/3 scheduled", now); err != nil {
		t.Fatalf("Requeue error: %v", err)
	}
	if task.State != StatePending || task.Progress != nil {
		t.Fatalf("expected PENDING without progress, got %s %+v", task.State, task.Progress)
	}
	if err := task.Start(now); err != nil {
		t.Fatalf("Start after requeue error: %v", err)
	}
	if err := task.Advance(Progress{Current: 1, Total: 5}, now); err != nil {
		t.Fatalf("expected step 1 to be allowed in a new execution, got %v", err)
	}
	if task.Attempt != 2 || !task.CanRetry() {
		t.Fatalf("expected attempt 2 with one retry left, got attempt %d", task.Attempt)
	}
}
