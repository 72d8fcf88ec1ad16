package repair

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"croanalyzer/internal/model"
)

// Parsed is the schema-level reading of a model response.
type Parsed struct {
	Layer string
	Mode  model.Mode

	Issues []model.Issue

	QuickWins             []model.QuickWin
	TotalIssuesIdentified int
	ExecutiveSummary      *model.ExecutiveSummary
	Scorecards            map[string]model.Scorecard
	ConversionPotential   *model.ConversionPotential

	Partial bool
}

// Parse decodes raw and extracts the fields of mode's schema. It returns
// ErrUnparsable when nothing recognizable for the mode is present.
func Parse(raw string, mode model.Mode) (*Parsed, error) {
	obj, layer, err := Decode(raw)
	if err != nil {
		return nil, err
	}

	p := &Parsed{Layer: layer, Mode: mode}
	if mode == model.ModeDeep {
		extractDeep(obj, p)
		if len(p.QuickWins) == 0 && len(p.Scorecards) == 0 && p.ExecutiveSummary == nil {
			return nil, fmt.Errorf("%w: no deep analysis fields", ErrUnparsable)
		}
		return p, nil
	}

	extractStandard(obj, p)
	if len(p.Issues) == 0 {
		return nil, fmt.Errorf("%w: no issues found", ErrUnparsable)
	}
	return p, nil
}

// issueKeyPrefixes are the key families models use for standard findings.
var issueKeyPrefixes = []string{"key point", "keypoint", "issue", "finding", "point", "problem"}

var (
	separatorRe = regexp.MustCompile(`[_\-\s]+`)
	trailingNum = regexp.MustCompile(`(\d+)\s*$`)
)

func normalizeKey(k string) string {
	return strings.TrimSpace(separatorRe.ReplaceAllString(strings.ToLower(k), " "))
}

func extractStandard(obj map[string]any, p *Parsed) {
	p.Issues = fuzzyIssues(obj)
	if len(p.Issues) > model.MaxStandardIssues {
		p.Issues = p.Issues[:model.MaxStandardIssues]
	}

	// Every kept issue must be actionable for the result to count as complete.
	for _, iss := range p.Issues {
		if iss.Title == "" || iss.Description == "" || iss.Recommendation == "" {
			p.Partial = true
			break
		}
	}
}

// fuzzyIssues collects issues stored under the issue key family, matched
// case-insensitively by prefix. Numbered keys such as "Key point 1" or
// "finding_2" are ordered by their number; array values such as "Issues"
// or "Findings" are flattened in order.
func fuzzyIssues(obj map[string]any) []model.Issue {
	type keyed struct {
		key string
		num int
	}
	var keys []keyed
	for k := range obj {
		nk := normalizeKey(k)
		for _, prefix := range issueKeyPrefixes {
			if strings.HasPrefix(nk, prefix) {
				n := math.MaxInt
				if m := trailingNum.FindStringSubmatch(nk); m != nil {
					n, _ = strconv.Atoi(m[1])
				}
				keys = append(keys, keyed{key: k, num: n})
				break
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].num != keys[j].num {
			return keys[i].num < keys[j].num
		}
		return keys[i].key < keys[j].key
	})

	var out []model.Issue
	for _, k := range keys {
		if arr, ok := obj[k.key].([]any); ok {
			for _, item := range arr {
				if iss, ok := toIssue("", item); ok {
					out = append(out, iss)
				}
			}
			continue
		}
		if iss, ok := toIssue(k.key, obj[k.key]); ok {
			out = append(out, iss)
		}
	}
	return out
}

func toIssue(key string, v any) (model.Issue, bool) {
	switch val := v.(type) {
	case string:
		if strings.TrimSpace(val) == "" {
			return model.Issue{}, false
		}
		return model.Issue{Title: strings.TrimSpace(key), Description: strings.TrimSpace(val)}, true
	case map[string]any:
		fields := lowerKeys(val)
		iss := model.Issue{
			Title:          firstString(fields, "title", "name", "issue_title"),
			Description:    firstString(fields, "description", "issue", "problem", "whats_wrong"),
			Recommendation: firstString(fields, "recommendation", "solution", "fix"),
			Section:        firstString(fields, "section"),
		}
		if iss.Recommendation == "" {
			iss.Recommendation = strings.Join(stringList(fields, "recommendations", "implementation_ideas"), " ")
		}
		if iss.Title == "" {
			iss.Title = strings.TrimSpace(key)
		}
		if iss.Description == "" && iss.Recommendation == "" {
			return model.Issue{}, false
		}
		return iss, true
	}
	return model.Issue{}, false
}

func extractDeep(obj map[string]any, p *Parsed) {
	fields := lowerKeys(obj)

	wins := quickWins(fields["quick_wins"])
	if len(wins) == 0 {
		wins = quickWins(fields["top_5_issues"])
	}
	if len(wins) == 0 {
		for _, iss := range fuzzyIssues(obj) {
			wins = append(wins, model.QuickWin{
				Title:           iss.Title,
				WhatsWrong:      iss.Description,
				Recommendations: nonEmpty(iss.Recommendation),
				Section:         iss.Section,
			})
		}
	}
	sort.SliceStable(wins, func(i, j int) bool { return wins[i].PriorityScore > wins[j].PriorityScore })
	if len(wins) > model.MaxQuickWins {
		wins = wins[:model.MaxQuickWins]
	}
	p.QuickWins = wins
	for _, w := range wins {
		p.Issues = append(p.Issues, model.Issue{
			Title:          w.Title,
			Description:    w.WhatsWrong,
			Recommendation: strings.Join(w.Recommendations, " "),
			Section:        w.Section,
		})
	}

	if n, ok := number(fields["total_issues_identified"]); ok {
		p.TotalIssuesIdentified = int(n)
	}
	if p.TotalIssuesIdentified < len(wins) {
		p.TotalIssuesIdentified = len(wins)
	}

	if m, ok := fields["executive_summary"].(map[string]any); ok {
		mf := lowerKeys(m)
		p.ExecutiveSummary = &model.ExecutiveSummary{
			Overview: firstString(mf, "overview", "summary"),
			HowToAct: firstString(mf, "how_to_act"),
		}
	} else if s, ok := fields["executive_summary"].(string); ok && s != "" {
		p.ExecutiveSummary = &model.ExecutiveSummary{Overview: s}
	}

	if m, ok := fields["conversion_rate_increase_potential"].(map[string]any); ok {
		mf := lowerKeys(m)
		p.ConversionPotential = &model.ConversionPotential{
			Percentage: firstString(mf, "percentage", "range"),
			Confidence: firstString(mf, "confidence"),
			Rationale:  firstString(mf, "rationale"),
		}
	}

	p.Scorecards = scorecards(fields)

	p.Partial = len(wins) < model.MaxQuickWins ||
		p.ExecutiveSummary == nil ||
		p.ConversionPotential == nil ||
		len(p.Scorecards) == 0
}

func quickWins(v any) []model.QuickWin {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []model.QuickWin
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		f := lowerKeys(m)
		w := model.QuickWin{
			Title:             firstString(f, "issue_title", "title", "name", "issue"),
			WhatsWrong:        firstString(f, "whats_wrong", "description", "problem"),
			WhyItMatters:      firstString(f, "why_it_matters", "impact"),
			Recommendations:   stringList(f, "recommendations", "implementation_ideas", "recommendation", "solution"),
			Section:           firstString(f, "section"),
			PriorityRationale: firstString(f, "priority_rationale"),
		}
		if n, ok := number(f["priority_score"]); ok {
			w.PriorityScore = n
		}
		if w.Title == "" && w.WhatsWrong == "" {
			continue
		}
		out = append(out, w)
	}
	return out
}

// scorecards collects every object carrying a numeric score, both at the
// top level and under a "scorecards" map.
func scorecards(fields map[string]any) map[string]model.Scorecard {
	out := make(map[string]model.Scorecard)
	add := func(name string, v any) {
		m, ok := v.(map[string]any)
		if !ok {
			return
		}
		f := lowerKeys(m)
		score, ok := number(f["score"])
		if !ok {
			return
		}
		out[name] = model.Scorecard{
			Score:       clampScore(score),
			Rating:      firstString(f, "rating", "color"),
			Calculation: firstString(f, "calculation", "rationale"),
		}
	}
	if nested, ok := fields["scorecards"].(map[string]any); ok {
		for k, v := range nested {
			add(k, v)
		}
	}
	for k, v := range fields {
		if k != "scorecards" {
			add(k, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func clampScore(f float64) int {
	n := int(math.Round(f))
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

func lowerKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[strings.ReplaceAll(normalizeKey(k), " ", "_")] = v
	}
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func stringList(m map[string]any, keys ...string) []string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case []any:
			var out []string
			for _, item := range v {
				if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
					out = append(out, strings.TrimSpace(s))
				}
			}
			if len(out) > 0 {
				return out
			}
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return []string{s}
			}
		}
	}
	return nil
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

// number accepts JSON numbers and numeric strings such as "85" or "85%".
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(n), "%"), 64)
		return f, err == nil
	}
	return 0, false
}
