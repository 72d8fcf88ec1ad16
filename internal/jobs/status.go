package jobs

import "croanalyzer/internal/model"

// step is one pipeline stage as exposed in task progress. These values
// are part of the polling contract so clients can render a progress bar.
type step struct {
	Current int
	Percent int
	Status  string
	// Stage labels the stage duration metric.
	Stage string
}

// totalSteps counts the final assembly, reported through SUCCESS.
const totalSteps = 6

var (
	stepAcquire = step{Current: 1, Percent: 10, Status: "Acquiring browser", Stage: "acquire"}
	stepLoad    = step{Current: 2, Percent: 30, Status: "Loading page", Stage: "load"}
	stepCapture = step{Current: 3, Percent: 50, Status: "Capturing screenshots", Stage: "capture"}
	stepAnalyze = step{Current: 4, Percent: 70, Status: "Analyzing page", Stage: "analyze"}
	stepParse   = step{Current: 5, Percent: 90, Status: "Parsing analysis", Stage: "parse"}
)

func (s step) progress() model.Progress {
	return model.Progress{Current: s.Current, Total: totalSteps, Percent: s.Percent, Status: s.Status}
}
