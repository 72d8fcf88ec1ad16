package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"croanalyzer/internal/model"
	"croanalyzer/internal/patterns"
)

func TestRender_StandardIncludesContext(t *testing.T) {
	b, err := New("", "")
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	out, err := b.Render(model.ModeStandard, Data{
		URL:    "https://example.com/pricing",
		Title:  "Pricing",
		Facts:  "Forms: 1 (2 visible fields)",
		Images: []string{"full_page"},
	})
	if err != nil {
		t.Fatalf("Render error: %v", err)
	}
	for _, want := range []string{"Website URL: https://example.com/pricing", "Page Title: Pricing", "Forms: 1", "full_page", `"Key point 1"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected prompt to contain %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Historical patterns") {
		t.Fatalf("expected no pattern block without matches")
	}
	if b.System() == "" {
		t.Fatalf("expected a system prompt")
	}
}

func TestRender_DeepListsPatterns(t *testing.T) {
	b, err := New("", "")
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	out, err := b.Render(model.ModeDeep, Data{
		URL:   "https://example.com",
		Title: "Home",
		Patterns: []patterns.Match{
			{Section: "hero", Issue: "Vague headline", Similarity: 0.82, Recommendations: []string{"State the outcome", "Add proof"}},
		},
	})
	if err != nil {
		t.Fatalf("Render error: %v", err)
	}
	if !strings.Contains(out, "1. [hero] Vague headline (similarity 82%)") {
		t.Fatalf("expected formatted pattern line:\n%s", out)
	}
	if !strings.Contains(out, "Recommendations: State the outcome; Add proof") {
		t.Fatalf("expected joined recommendations:\n%s", out)
	}
	if !strings.Contains(out, `"quick_wins"`) {
		t.Fatalf("expected deep schema")
	}
}

func TestNew_OverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "standard.tmpl")
	if err := os.WriteFile(path, []byte("Custom for {{.URL}}\n{{template \"context\" .}}"), 0o600); err != nil {
		t.Fatalf("write override: %v", err)
	}
	b, err := New(path, "")
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	out, err := b.Render(model.ModeStandard, Data{URL: "https://a.example", Title: "A"})
	if err != nil {
		t.Fatalf("Render error: %v", err)
	}
	if !strings.HasPrefix(out, "Custom for https://a.example") || !strings.Contains(out, "Page Title: A") {
		t.Fatalf("unexpected override output:\n%s", out)
	}
}

func TestNew_MissingOverride(t *testing.T) {
	if _, err := New("/does/not/exist.tmpl", ""); err == nil {
		t.Fatalf("expected error for missing override file")
	}
}
