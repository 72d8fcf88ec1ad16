package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of an AnalysisTask. The values are part of
// the public polling contract.
type State string

const (
	StatePending  State = "PENDING"
	StateStarted  State = "STARTED"
	StateProgress State = "PROGRESS"
	StateSuccess  State = "SUCCESS"
	StateFailure  State = "FAILURE"
)

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure
}

var (
	ErrTerminal          = errors.New("task is in a terminal state")
	ErrInvalidTransition = errors.New("invalid task state transition")
)

// Progress is the step metadata exposed while a task is in PROGRESS.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Percent int    `json:"percent"`
	Status  string `json:"status"`
}

// AnalysisTask is the tracked unit of work behind a task handle.
type AnalysisTask struct {
	ID      string  `json:"id"`
	URL     string  `json:"url"`
	Options Options `json:"options"`

	State    State     `json:"state"`
	Message  string    `json:"message"`
	Progress *Progress `json:"progress,omitempty"`

	// Result holds the encoded AnalysisResult so cache hits are returned
	// byte for byte.
	Result  json.RawMessage `json:"result,omitempty"`
	Failure *Failure        `json:"failure,omitempty"`

	Attempt         int  `json:"attempt"`
	MaxAttempts     int  `json:"max_attempts"`
	CancelRequested bool `json:"cancel_requested,omitempty"`
	FromCache       bool `json:"from_cache,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewTask builds a PENDING task.
func NewTask(id, url string, opts Options, maxAttempts int, now time.Time) *AnalysisTask {
	return &AnalysisTask{
		ID:          id,
		URL:         url,
		Options:     opts,
		State:       StatePending,
		Message:     "Task is waiting to be processed",
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Start moves a PENDING task into STARTED and begins a new execution.
func (t *AnalysisTask) Start(now time.Time) error {
	if err := t.check(StateStarted); err != nil {
		return err
	}
	t.State = StateStarted
	t.Attempt++
	t.Progress = nil
	t.Message = "Task started"
	t.StartedAt = &now
	t.UpdatedAt = now
	return nil
}

// Advance records a PROGRESS step. Steps must strictly increase within one
// execution.
func (t *AnalysisTask) Advance(p Progress, now time.Time) error {
	if err := t.check(StateProgress); err != nil {
		return err
	}
	if t.State == StateProgress && t.Progress != nil && p.Current <= t.Progress.Current {
		return fmt.Errorf("%w: step %d after step %d", ErrInvalidTransition, p.Current, t.Progress.Current)
	}
	t.State = StateProgress
	t.Progress = &p
	t.Message = p.Status
	t.UpdatedAt = now
	return nil
}

// Succeed stores the encoded result and finishes the task.
func (t *AnalysisTask) Succeed(result json.RawMessage, message string, now time.Time) error {
	if err := t.check(StateSuccess); err != nil {
		return err
	}
	t.State = StateSuccess
	t.Result = result
	t.Message = message
	if t.Progress != nil {
		t.Progress = &Progress{Current: t.Progress.Total, Total: t.Progress.Total, Percent: 100, Status: message}
	}
	t.FinishedAt = &now
	t.UpdatedAt = now
	return nil
}

// Fail records f and finishes the task.
func (t *AnalysisTask) Fail(f Failure, now time.Time) error {
	if err := t.check(StateFailure); err != nil {
		return err
	}
	t.State = StateFailure
	t.Failure = &f
	t.Message = f.Message
	t.FinishedAt = &now
	t.UpdatedAt = now
	return nil
}

// Requeue returns a running task to PENDING ahead of a whole-task retry.
func (t *AnalysisTask) Requeue(message string, now time.Time) error {
	if err := t.check(StatePending); err != nil {
		return err
	}
	t.State = StatePending
	t.Progress = nil
	t.Message = message
	t.UpdatedAt = now
	return nil
}

// CanRetry reports whether another execution is allowed.
func (t *AnalysisTask) CanRetry() bool {
	return t.Attempt < t.MaxAttempts
}

var transitions = map[State][]State{
	StatePending:  {StateStarted, StateFailure},
	StateStarted:  {StateProgress, StateSuccess, StateFailure, StatePending},
	StateProgress: {StateProgress, StateSuccess, StateFailure, StatePending},
}

func (t *AnalysisTask) check(next State) error {
	if t.State.Terminal() {
		return ErrTerminal
	}
	for _, s := range transitions[t.State] {
		if s == next {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, next)
}
