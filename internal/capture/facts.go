package capture

import (
	"fmt"
	"strings"
	"unicode/utf8"

	htmlmd "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

// Facts are structural signals read from the rendered HTML and passed to
// the model alongside the screenshots.
type Facts struct {
	Title            string
	Description      string
	Language         string
	Canonical        string
	H1               []string
	Headings         int
	Forms            int
	FormFields       int
	Buttons          int
	Links            int
	Images           int
	ImagesMissingAlt int
	HasViewportMeta  bool
}

// ExtractFacts parses html and collects page facts.
func ExtractFacts(html string) (Facts, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Facts{}, err
	}

	f := Facts{
		Title:           strings.TrimSpace(doc.Find("title").First().Text()),
		Description:     strings.TrimSpace(doc.Find("meta[name=description]").AttrOr("content", "")),
		Canonical:       doc.Find("link[rel=canonical]").AttrOr("href", ""),
		Headings:        doc.Find("h1, h2, h3, h4, h5, h6").Length(),
		Forms:           doc.Find("form").Length(),
		FormFields:      doc.Find("form input:not([type=hidden]), form select, form textarea").Length(),
		Buttons:         doc.Find("button, input[type=submit], input[type=button], a[role=button], a.btn, a.button").Length(),
		Links:           doc.Find("a[href]").Length(),
		HasViewportMeta: doc.Find("meta[name=viewport]").Length() > 0,
	}
	f.Language, _ = doc.Find("html").First().Attr("lang")

	doc.Find("h1").Each(func(_ int, s *goquery.Selection) {
		if t := strings.Join(strings.Fields(s.Text()), " "); t != "" {
			f.H1 = append(f.H1, t)
		}
	})
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		f.Images++
		if alt, ok := s.Attr("alt"); !ok || strings.TrimSpace(alt) == "" {
			f.ImagesMissingAlt++
		}
	})
	return f, nil
}

// Summary renders the facts as prompt lines.
func (f Facts) Summary() string {
	var b strings.Builder
	if f.Description != "" {
		fmt.Fprintf(&b, "Meta description: %s\n", f.Description)
	}
	if len(f.H1) > 0 {
		fmt.Fprintf(&b, "H1 headings: %s\n", strings.Join(f.H1, " | "))
	} else {
		b.WriteString("H1 headings: none\n")
	}
	fmt.Fprintf(&b, "Headings: %d, links: %d, buttons: %d\n", f.Headings, f.Links, f.Buttons)
	fmt.Fprintf(&b, "Forms: %d (%d visible fields)\n", f.Forms, f.FormFields)
	fmt.Fprintf(&b, "Images: %d (%d missing alt text)\n", f.Images, f.ImagesMissingAlt)
	if !f.HasViewportMeta {
		b.WriteString("No responsive viewport meta tag\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// ExtractText converts html to markdown and truncates it to limit runes.
// If conversion fails the plain document text is used.
func ExtractText(html, host string, limit int) string {
	text, err := htmlmd.NewConverter(host, true, nil).ConvertString(html)
	if err != nil {
		doc, derr := goquery.NewDocumentFromReader(strings.NewReader(html))
		if derr != nil {
			return ""
		}
		text = doc.Find("body").Text()
	}
	text = collapseBlankLines(text)
	if limit > 0 && utf8.RuneCountInString(text) > limit {
		runes := []rune(text)
		text = strings.TrimSpace(string(runes[:limit])) + "…"
	}
	return text
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, l := range lines {
		l = strings.TrimRight(l, " \t")
		if l == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
