package model

import "time"

// Mode selects the analysis depth and output schema.
type Mode string

const (
	ModeStandard Mode = "standard"
	ModeDeep     Mode = "deep"
)

// MaxStandardIssues and MaxQuickWins bound the issue lists per mode.
const (
	MaxStandardIssues = 3
	MaxQuickWins      = 5
)

// Options are the caller-supplied submission flags.
type Options struct {
	IncludeScreenshots bool `json:"include_screenshots"`
	DeepInfo           bool `json:"deep_info"`
}

// Mode derives the analysis mode from the submission flags.
func (o Options) Mode() Mode {
	if o.DeepInfo {
		return ModeDeep
	}
	return ModeStandard
}

// Issue is a single CRO finding.
type Issue struct {
	Title            string `json:"title"`
	Description      string `json:"description"`
	Recommendation   string `json:"recommendation"`
	Section          string `json:"section,omitempty"`
	ScreenshotBase64 string `json:"screenshot_base64,omitempty"`
}

// QuickWin is a deep-mode issue with prioritisation detail.
type QuickWin struct {
	Title             string   `json:"issue_title"`
	WhatsWrong        string   `json:"whats_wrong"`
	WhyItMatters      string   `json:"why_it_matters,omitempty"`
	Recommendations   []string `json:"recommendations"`
	PriorityScore     float64  `json:"priority_score"`
	Section           string   `json:"section,omitempty"`
	PriorityRationale string   `json:"priority_rationale,omitempty"`
}

// Scorecard rates one named dimension of the page.
type Scorecard struct {
	Score       int    `json:"score"`
	Rating      string `json:"rating"`
	Calculation string `json:"calculation"`
}

type ExecutiveSummary struct {
	Overview string `json:"overview"`
	HowToAct string `json:"how_to_act"`
}

type ConversionPotential struct {
	Percentage string `json:"percentage"`
	Confidence string `json:"confidence"`
	Rationale  string `json:"rationale"`
}

// Screenshot is an encoded capture attached to a result.
type Screenshot struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Base64 string `json:"base64"`
}

// AnalysisResult is the final output of one analysis, identical whether it
// was freshly computed or served from the cache.
type AnalysisResult struct {
	URL         string       `json:"url"`
	AnalyzedAt  time.Time    `json:"analyzed_at"`
	Mode        Mode         `json:"mode"`
	Title       string       `json:"title,omitempty"`
	Issues      []Issue      `json:"issues"`
	Screenshots []Screenshot `json:"screenshots,omitempty"`

	QuickWins             []QuickWin           `json:"quick_wins,omitempty"`
	TotalIssuesIdentified int                  `json:"total_issues_identified,omitempty"`
	ExecutiveSummary      *ExecutiveSummary    `json:"executive_summary,omitempty"`
	Scorecards            map[string]Scorecard `json:"scorecards,omitempty"`
	ConversionPotential   *ConversionPotential `json:"conversion_rate_increase_potential,omitempty"`

	// Partial marks results recovered with missing keys or short lists.
	Partial bool `json:"partial,omitempty"`
}
