package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"croanalyzer/internal/browser"
)

// ErrRender matches every *RenderError.
var ErrRender = errors.New("render failure")

// Render failure reasons.
const (
	ReasonTimeout    = "timeout"
	ReasonDNS        = "dns"
	ReasonHTTPStatus = "http_status"
	ReasonNavigation = "navigation"
	ReasonCapture    = "capture"
	ReasonBlocked    = "blocked"
)

// RenderError reports why a page could not be loaded or captured.
type RenderError struct {
	URL        string
	Reason     string
	StatusCode int
	Err        error
}

func (e *RenderError) Error() string {
	msg := fmt.Sprintf("render %s: %s", e.URL, e.Reason)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RenderError) Unwrap() error { return e.Err }

func (e *RenderError) Is(target error) bool { return target == ErrRender }

// Retryable is false for failures a later attempt cannot fix: robots
// blocks and client errors other than throttling or request timeouts.
func (e *RenderError) Retryable() bool {
	switch e.Reason {
	case ReasonBlocked:
		return false
	case ReasonHTTPStatus:
		if e.StatusCode >= 400 && e.StatusCode < 500 {
			return e.StatusCode == 408 || e.StatusCode == 425 || e.StatusCode == 429
		}
	}
	return true
}

// Options are the navigation and screenshot settings.
type Options struct {
	NavigationTimeout time.Duration
	NetworkIdle       time.Duration
	// IdleMaxWait caps the network-idle wait for pages that never go quiet.
	IdleMaxWait   time.Duration
	SettleDelay   time.Duration
	Desktop       browser.Viewport
	Mobile        browser.Viewport
	MaxDimension  int
	MaxImageBytes int
	// MaxForms bounds how many form regions are captured.
	MaxForms int
	// KeepOverlays skips closing popups and banners before capture.
	KeepOverlays bool
	// OverlayWait is the pause after overlays were closed.
	OverlayWait time.Duration
}

func (o *Options) applyDefaults() {
	if o.NavigationTimeout <= 0 {
		o.NavigationTimeout = 90 * time.Second
	}
	if o.NetworkIdle <= 0 {
		o.NetworkIdle = 500 * time.Millisecond
	}
	if o.IdleMaxWait <= 0 {
		o.IdleMaxWait = 15 * time.Second
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	}
	if o.Desktop.Width <= 0 || o.Desktop.Height <= 0 {
		o.Desktop = browser.Viewport{Width: 1920, Height: 1080}
	}
	if o.Mobile.Width <= 0 || o.Mobile.Height <= 0 {
		o.Mobile = browser.Viewport{Width: 390, Height: 844}
	}
	o.Mobile.Mobile = true
	if o.MaxDimension <= 0 {
		o.MaxDimension = 7500
	}
	if o.MaxImageBytes <= 0 {
		o.MaxImageBytes = 5 * 1024 * 1024
	}
	if o.MaxForms <= 0 {
		o.MaxForms = 3
	}
	if o.OverlayWait < 0 {
		o.OverlayWait = 0
	}
}

// Capturer drives a checked-out page through load and screenshot stages.
type Capturer struct {
	opts   Options
	logger *slog.Logger
}

func NewCapturer(opts Options, logger *slog.Logger) *Capturer {
	opts.applyDefaults()
	return &Capturer{opts: opts, logger: logger}
}

func (c *Capturer) logWarn(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, args...)
	}
}

// Loaded is the state of a settled page.
type Loaded struct {
	URL        string
	StatusCode int
	Title      string
	HTML       string
	Overlays   Overlays
}

// Load navigates to url, waits for the page to settle, closes overlays and
// reads its title and HTML. Any failure is a *RenderError unless ctx itself ended.
func (c *Capturer) Load(ctx context.Context, page browser.Page, url string) (*Loaded, error) {
	navCtx, cancel := context.WithTimeout(ctx, c.opts.NavigationTimeout)
	defer cancel()

	if err := page.SetViewport(navCtx, c.opts.Desktop); err != nil {
		return nil, c.fail(ctx, navCtx, url, err)
	}

	status, err := page.Navigate(navCtx, url)
	if err != nil {
		return nil, c.fail(ctx, navCtx, url, err)
	}
	if status != 0 && (status < 200 || status >= 300) {
		return nil, &RenderError{URL: url, Reason: ReasonHTTPStatus, StatusCode: status}
	}

	if err := page.WaitSettled(navCtx, c.opts.NetworkIdle, c.opts.IdleMaxWait); err != nil {
		return nil, c.fail(ctx, navCtx, url, err)
	}

	// Deferred and animated content gets a fixed grace period.
	if c.opts.SettleDelay > 0 {
		select {
		case <-time.After(c.opts.SettleDelay):
		case <-navCtx.Done():
			return nil, c.fail(ctx, navCtx, url, navCtx.Err())
		}
	}

	var overlays Overlays
	if !c.opts.KeepOverlays {
		overlays = c.dismissOverlays(navCtx, page, url)
	}

	title, err := page.Title(navCtx)
	if err != nil {
		return nil, c.fail(ctx, navCtx, url, err)
	}
	html, err := page.HTML(navCtx)
	if err != nil {
		return nil, c.fail(ctx, navCtx, url, err)
	}

	return &Loaded{URL: url, StatusCode: status, Title: title, HTML: html, Overlays: overlays}, nil
}

// fail maps err to a RenderError. When the caller's own context ended the
// context error is returned as-is so task timeouts and cancellation keep
// their identity.
func (c *Capturer) fail(parent, nav context.Context, url string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(nav.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &RenderError{URL: url, Reason: ReasonTimeout, Err: err}
	}

	var navErr *browser.NavigationError
	if errors.As(err, &navErr) {
		reason := ReasonNavigation
		switch {
		case strings.Contains(navErr.Reason, "NAME_NOT_RESOLVED"), strings.Contains(navErr.Reason, "NAME_RESOLUTION"):
			reason = ReasonDNS
		case strings.Contains(navErr.Reason, "TIMED_OUT"):
			reason = ReasonTimeout
		}
		return &RenderError{URL: url, Reason: reason, Err: err}
	}
	return &RenderError{URL: url, Reason: ReasonNavigation, Err: err}
}

// Shots holds every processed image of one page.
type Shots struct {
	Full     Image
	Sections []Image
	Mobile   *Image
}

// All returns the images in the order they are sent for analysis.
func (s *Shots) All() []Image {
	out := []Image{s.Full}
	out = append(out, s.Sections...)
	if s.Mobile != nil {
		out = append(out, *s.Mobile)
	}
	return out
}

// Shoot captures the loaded page. With sections set it also captures each
// detected region and a mobile-viewport rendering. Section and mobile
// failures are logged and skipped; only the full-page capture is required.
func (c *Capturer) Shoot(ctx context.Context, page browser.Page, url string, sections bool) (*Shots, error) {
	raw, err := page.Screenshot(ctx, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &RenderError{URL: url, Reason: ReasonCapture, Err: err}
	}
	full, err := Downscale("full_page", raw, c.opts.MaxDimension, c.opts.MaxImageBytes)
	if err != nil {
		return nil, &RenderError{URL: url, Reason: ReasonCapture, Err: err}
	}
	shots := &Shots{Full: full}
	if !sections {
		return shots, nil
	}

	regions, err := DetectRegions(ctx, page, c.opts.Desktop, c.opts.MaxDimension, c.opts.MaxForms)
	if err != nil {
		c.logWarn("capture_regions_failed", "url", url, "error", err)
	}
	for _, r := range regions {
		data, err := page.Screenshot(ctx, &browser.Clip{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height})
		if err != nil {
			c.logWarn("capture_section_failed", "url", url, "section", r.Name, "error", err)
			continue
		}
		img, err := Downscale(r.Name, data, c.opts.MaxDimension, c.opts.MaxImageBytes)
		if err != nil {
			c.logWarn("capture_section_failed", "url", url, "section", r.Name, "error", err)
			continue
		}
		shots.Sections = append(shots.Sections, img)
	}

	if mobile, err := c.shootMobile(ctx, page); err != nil {
		c.logWarn("capture_mobile_failed", "url", url, "error", err)
	} else {
		shots.Mobile = mobile
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return shots, nil
}

func (c *Capturer) shootMobile(ctx context.Context, page browser.Page) (*Image, error) {
	if err := page.SetViewport(ctx, c.opts.Mobile); err != nil {
		return nil, err
	}
	defer func() {
		if err := page.SetViewport(ctx, c.opts.Desktop); err != nil {
			c.logWarn("capture_viewport_restore_failed", "error", err)
		}
	}()

	// Let responsive layout reflow before capturing.
	if err := page.WaitSettled(ctx, c.opts.NetworkIdle, c.opts.IdleMaxWait); err != nil {
		return nil, err
	}
	raw, err := page.Screenshot(ctx, nil)
	if err != nil {
		return nil, err
	}
	img, err := Downscale("mobile", raw, c.opts.MaxDimension, c.opts.MaxImageBytes)
	if err != nil {
		return nil, err
	}
	return &img, nil
}
