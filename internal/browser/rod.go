package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// RodOptions configures how RodLauncher starts or connects to Chromium.
type RodOptions struct {
	// ControlURL connects to an already running browser instead of
	// launching a local process.
	ControlURL       string
	Bin              string
	Headless         bool
	NoSandbox        bool
	UserAgent        string
	IgnoreCertErrors bool
	LaunchTimeout    time.Duration
}

// RodLauncher launches headless Chromium through go-rod.
type RodLauncher struct {
	opts RodOptions
}

func NewRodLauncher(opts RodOptions) *RodLauncher {
	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = 30 * time.Second
	}
	return &RodLauncher{opts: opts}
}

func (r *RodLauncher) newLauncher() *launcher.Launcher {
	l := launcher.New().
		Headless(r.opts.Headless).
		NoSandbox(r.opts.NoSandbox).
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("disable-blink-features", "AutomationControlled").
		Set("hide-scrollbars")
	if r.opts.Bin != "" {
		l = l.Bin(r.opts.Bin)
	}
	return l
}

type launchResult struct {
	url string
	err error
}

func (r *RodLauncher) Launch(ctx context.Context) (Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.LaunchTimeout)
	defer cancel()

	controlURL := r.opts.ControlURL
	var l *launcher.Launcher
	if controlURL == "" {
		// Launchers can only launch once, so every instance gets its own.
		l = r.newLauncher()
		ch := make(chan launchResult, 1)
		go func() {
			u, err := l.Launch()
			ch <- launchResult{url: u, err: err}
		}()

		select {
		case res := <-ch:
			if res.err != nil {
				return nil, fmt.Errorf("launch browser: %w", res.err)
			}
			controlURL = res.url
		case <-ctx.Done():
			go func() {
				if res := <-ch; res.err == nil {
					l.Kill()
				}
			}()
			return nil, fmt.Errorf("launch browser: %w", ctx.Err())
		}
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	b := rod.New().Context(connCtx).ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		connCancel()
		if l != nil {
			l.Kill()
		}
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	if r.opts.IgnoreCertErrors {
		if err := b.IgnoreCertErrors(true); err != nil {
			connCancel()
			if l != nil {
				l.Kill()
			}
			return nil, fmt.Errorf("ignore cert errors: %w", err)
		}
	}

	return &rodInstance{
		browser:   b,
		launcher:  l,
		cancel:    connCancel,
		userAgent: r.opts.UserAgent,
	}, nil
}

type rodInstance struct {
	browser   *rod.Browser
	launcher  *launcher.Launcher
	cancel    context.CancelFunc
	userAgent string
}

// NewPage opens a blank tab inside a fresh incognito context so no
// cookies or storage leak between tasks sharing the same process.
func (i *rodInstance) NewPage(ctx context.Context) (Page, error) {
	incognito, err := i.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}

	page, err := incognito.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = incognito.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}

	if i.userAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: i.userAgent}); err != nil {
			_ = page.Close()
			_ = incognito.Close()
			return nil, fmt.Errorf("set user agent: %w", err)
		}
	}

	// Detach the page from the creation context; every call below passes
	// its own context.
	return &rodPage{page: page.Context(context.Background()), incognito: incognito}, nil
}

func (i *rodInstance) Ping(ctx context.Context) error {
	_, err := i.browser.Context(ctx).Version()
	return err
}

func (i *rodInstance) Close() error {
	var err error
	if i.launcher != nil {
		err = i.browser.Close()
		i.launcher.Kill()
		i.launcher.Cleanup()
	}
	i.cancel()
	return err
}

type rodPage struct {
	page      *rod.Page
	incognito *rod.Browser
}

// documentWait bounds how long Navigate waits for the main document
// response event after the navigation itself has committed.
const documentWait = 5 * time.Second

func (p *rodPage) Navigate(ctx context.Context, url string) (int, error) {
	evCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	status := 0
	wait := p.page.Context(evCtx).EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type == proto.NetworkResourceTypeDocument && e.Response != nil {
			status = e.Response.Status
			return true
		}
		return false
	})

	if err := p.page.Context(ctx).Navigate(url); err != nil {
		var navErr *rod.NavigationError
		if errors.As(err, &navErr) {
			return 0, &NavigationError{Reason: navErr.Reason}
		}
		return 0, err
	}

	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(documentWait):
		cancel()
		<-done
	}
	return status, ctx.Err()
}

func (p *rodPage) WaitSettled(ctx context.Context, idle, maxWait time.Duration) error {
	if err := p.page.Context(ctx).WaitLoad(); err != nil {
		return err
	}
	// The idle wait returns silently once maxWait elapses; long-polling
	// pages never go fully quiet.
	p.page.Context(ctx).Timeout(maxWait).WaitRequestIdle(idle, nil, nil, nil)()
	return ctx.Err()
}

func (p *rodPage) SetViewport(ctx context.Context, v Viewport) error {
	return p.page.Context(ctx).SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             v.Width,
		Height:            v.Height,
		DeviceScaleFactor: 1,
		Mobile:            v.Mobile,
	})
}

func (p *rodPage) Screenshot(ctx context.Context, clip *Clip) ([]byte, error) {
	req := &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng}
	if clip == nil {
		return p.page.Context(ctx).Screenshot(true, req)
	}
	req.Clip = &proto.PageViewport{X: clip.X, Y: clip.Y, Width: clip.Width, Height: clip.Height, Scale: 1}
	req.CaptureBeyondViewport = true
	return p.page.Context(ctx).Screenshot(false, req)
}

func (p *rodPage) EvalJSON(ctx context.Context, js string, out any) error {
	res, err := p.page.Context(ctx).Eval(js)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(res.Value.String()), out)
}

func (p *rodPage) HTML(ctx context.Context) (string, error) {
	return p.page.Context(ctx).HTML()
}

func (p *rodPage) Title(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func (p *rodPage) Close() error {
	err := p.page.Close()
	if cerr := p.incognito.Close(); err == nil {
		err = cerr
	}
	return err
}
