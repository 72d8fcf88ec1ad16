package prompt

import (
	"embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"croanalyzer/internal/model"
	"croanalyzer/internal/patterns"
)

//go:embed templates/*
var templateFS embed.FS

// Data is everything a prompt template can reference.
type Data struct {
	URL      string
	Title    string
	Facts    string
	Text     string
	Images   []string
	Patterns []patterns.Match
}

// Builder renders the system and user prompts for both analysis modes.
type Builder struct {
	system   string
	standard *template.Template
	deep     *template.Template
}

var funcs = template.FuncMap{
	"join":    strings.Join,
	"inc":     func(i int) int { return i + 1 },
	"percent": func(f float64) string { return fmt.Sprintf("%.0f%%", f*100) },
}

// New loads the embedded templates. A non-empty override path replaces the
// body of that mode's template; the shared context block stays available.
func New(standardFile, deepFile string) (*Builder, error) {
	system, err := templateFS.ReadFile("templates/system.txt")
	if err != nil {
		return nil, err
	}
	standard, err := load("standard", "templates/standard.tmpl", standardFile)
	if err != nil {
		return nil, err
	}
	deep, err := load("deep", "templates/deep.tmpl", deepFile)
	if err != nil {
		return nil, err
	}
	return &Builder{system: strings.TrimSpace(string(system)), standard: standard, deep: deep}, nil
}

func load(name, embedded, override string) (*template.Template, error) {
	ctxBlock, err := templateFS.ReadFile("templates/context.tmpl")
	if err != nil {
		return nil, err
	}
	body, err := templateFS.ReadFile(embedded)
	if err != nil {
		return nil, err
	}
	if override != "" {
		body, err = os.ReadFile(override)
		if err != nil {
			return nil, fmt.Errorf("read %s prompt: %w", name, err)
		}
	}
	t, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(string(ctxBlock))
	if err != nil {
		return nil, fmt.Errorf("parse context template: %w", err)
	}
	if _, err := t.Parse(string(body)); err != nil {
		return nil, fmt.Errorf("parse %s prompt: %w", name, err)
	}
	return t, nil
}

// System returns the system prompt shared by both modes.
func (b *Builder) System() string { return b.system }

// Render produces the user prompt for mode.
func (b *Builder) Render(mode model.Mode, d Data) (string, error) {
	t := b.standard
	if mode == model.ModeDeep {
		t = b.deep
	}
	var sb strings.Builder
	if err := t.Execute(&sb, d); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", mode, err)
	}
	return strings.TrimSpace(sb.String()), nil
}
