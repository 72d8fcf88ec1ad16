package http

import (
	"encoding/json"

	"croanalyzer/internal/browser"
	"croanalyzer/internal/jobs"
	"croanalyzer/internal/model"
	"croanalyzer/internal/store"
)

// ErrorResponse is the error envelope shared by every endpoint.
type ErrorResponse struct {
	Success bool        `json:"success"`
	Code    string      `json:"code,omitempty"`
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

// AnalyzeRequest is the body of POST /analyze/async.
type AnalyzeRequest struct {
	URL                string `json:"url"`
	IncludeScreenshots bool   `json:"include_screenshots"`
	DeepInfo           bool   `json:"deep_info"`
}

type AnalyzeResponse struct {
	TaskID  string      `json:"task_id"`
	Status  model.State `json:"status"`
	PollURL string      `json:"poll_url"`
}

// TaskStatusResponse is the polling view of a task.
type TaskStatusResponse struct {
	TaskID    string            `json:"task_id"`
	Status    model.State       `json:"status"`
	Message   string            `json:"message"`
	Progress  *model.Progress   `json:"progress,omitempty"`
	Result    json.RawMessage   `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	ErrorKind model.FailureKind `json:"error_kind,omitempty"`
	Attempt   int               `json:"attempt"`
	FromCache bool              `json:"from_cache,omitempty"`
}

type HistoryResponse struct {
	Success  bool           `json:"success"`
	Analyses []store.Record `json:"analyses"`
}

// DetailedStatus reports the health of every dependency.
type DetailedStatus struct {
	Status  string               `json:"status"`
	Redis   string               `json:"redis"`
	Cache   string               `json:"cache"`
	Archive string               `json:"archive"`
	Events  string               `json:"events"`
	Queue   *QueueStatus         `json:"queue,omitempty"`
	Workers *jobs.RunnerStats    `json:"workers,omitempty"`
	Pool    *browser.Stats       `json:"browser_pool,omitempty"`
	Config  DetailedStatusConfig `json:"config"`
}

type QueueStatus struct {
	Ready   int64 `json:"ready"`
	Delayed int64 `json:"delayed"`
}

type DetailedStatusConfig struct {
	LLMProvider        string `json:"llm_provider"`
	TaskTimeoutSeconds int    `json:"task_timeout_seconds"`
	MaxAttempts        int    `json:"max_attempts"`
	CacheTTLSeconds    int    `json:"cache_ttl_seconds"`
	RespectRobots      bool   `json:"respect_robots"`
	PatternsEnabled    bool   `json:"patterns_enabled"`
}
