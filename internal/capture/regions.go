package capture

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"croanalyzer/internal/browser"
)

// Region is a logical page area in document coordinates.
type Region struct {
	Name   string  `json:"name"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// regionScript finds the navigation, hero, main content, forms and footer.
// The hero is the first viewport; forms shorter than 50px are ignored.
const regionScript = `() => {
  const out = [];
  const box = (el) => {
    const r = el.getBoundingClientRect();
    return {x: r.left + window.scrollX, y: r.top + window.scrollY, width: r.width, height: r.height};
  };
  const docH = Math.max(document.body ? document.body.scrollHeight : 0, document.documentElement.scrollHeight);
  const navSelectors = ['nav', 'header', '[role="navigation"]', '.navigation', '.navbar', '.header', '#navigation', '#navbar'];
  for (const sel of navSelectors) {
    const el = document.querySelector(sel);
    if (!el) continue;
    const b = box(el);
    if (b.width > 0 && b.height > 0) { out.push(Object.assign({name: 'navigation'}, b)); break; }
  }
  out.push({name: 'hero', x: 0, y: 0, width: window.innerWidth, height: Math.min(window.innerHeight, docH)});
  const main = document.querySelector('main, [role="main"], #main, .main, #content, .content');
  if (main) {
    const b = box(main);
    if (b.width > 0 && b.height > 0) out.push(Object.assign({name: 'main_content'}, b));
  }
  document.querySelectorAll('form').forEach((f) => {
    const b = box(f);
    if (b.width > 0 && b.height > 50) out.push(Object.assign({name: 'form'}, b));
  });
  const footer = document.querySelector('footer, [role="contentinfo"], .footer, #footer');
  if (footer) {
    const b = box(footer);
    if (b.width > 0 && b.height > 0) out.push(Object.assign({name: 'footer'}, b));
  }
  return JSON.stringify(out);
}`

// DetectRegions evaluates the region heuristics on page and normalizes the
// result for clipping.
func DetectRegions(ctx context.Context, page browser.Page, vp browser.Viewport, maxDim, maxForms int) ([]Region, error) {
	var raw []Region
	if err := page.EvalJSON(ctx, regionScript, &raw); err != nil {
		return nil, fmt.Errorf("detect regions: %w", err)
	}
	return normalizeRegions(raw, vp, maxDim, maxForms), nil
}

// normalizeRegions clamps boxes to the page width and the image size limit,
// sorts them by vertical position and keeps the first maxForms forms.
func normalizeRegions(in []Region, vp browser.Viewport, maxDim, maxForms int) []Region {
	clamped := make([]Region, 0, len(in))
	for _, r := range in {
		if r.X < 0 {
			r.Width += r.X
			r.X = 0
		}
		if r.Y < 0 {
			r.Height += r.Y
			r.Y = 0
		}
		if vp.Width > 0 && r.X+r.Width > float64(vp.Width) {
			r.Width = float64(vp.Width) - r.X
		}
		if maxDim > 0 && r.Height > float64(maxDim) {
			r.Height = float64(maxDim)
		}
		if r.Width <= 0 || r.Height <= 0 {
			continue
		}
		clamped = append(clamped, r)
	}
	sort.SliceStable(clamped, func(i, j int) bool { return clamped[i].Y < clamped[j].Y })

	out := clamped[:0]
	forms := 0
	for _, r := range clamped {
		if strings.HasPrefix(r.Name, "form") {
			if forms >= maxForms {
				continue
			}
			forms++
			r.Name = fmt.Sprintf("form_%d", forms)
		}
		out = append(out, r)
	}
	return out
}
