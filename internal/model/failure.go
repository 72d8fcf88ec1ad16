package model

// FailureKind classifies why a task failed so callers can tell
// "try again later" apart from "this URL cannot be analyzed".
type FailureKind string

const (
	KindPoolExhausted    FailureKind = "POOL_EXHAUSTED"
	KindRenderFailure    FailureKind = "RENDER_FAILURE"
	KindAnalysisAPIError FailureKind = "ANALYSIS_API_ERROR"
	KindUnparsable       FailureKind = "UNPARSABLE_RESPONSE"
	KindTaskTimeout      FailureKind = "TASK_TIMEOUT"
	KindCancelled        FailureKind = "CANCELLED"
	KindInternal         FailureKind = "INTERNAL_ERROR"
)

// Failure is the error payload of a FAILURE task.
type Failure struct {
	Kind      FailureKind `json:"kind"`
	Message   string      `json:"message"`
	Cause     string      `json:"cause,omitempty"`
	Retryable bool        `json:"retryable"`
}

func (f Failure) Error() string {
	if f.Cause == "" {
		return string(f.Kind) + ": " + f.Message
	}
	return string(f.Kind) + ": " + f.Message + ": " + f.Cause
}
