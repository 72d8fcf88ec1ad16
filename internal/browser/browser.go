package browser

import (
	"context"
	"time"
)

// Launcher starts browser instances. The pool never talks to a concrete
// driver directly so it can be exercised without a real browser.
type Launcher interface {
	Launch(ctx context.Context) (Instance, error)
}

// Instance is one live browser process.
type Instance interface {
	NewPage(ctx context.Context) (Page, error)
	// Ping is the liveness probe used before an instance is handed out.
	Ping(ctx context.Context) error
	Close() error
}

// Page is an isolated tab checked out for a single task execution.
type Page interface {
	// Navigate loads url and returns the HTTP status of the main document.
	Navigate(ctx context.Context, url string) (int, error)
	// WaitSettled waits for the load event and then for the network to stay
	// quiet for idle, giving up on the quiet period after maxWait.
	WaitSettled(ctx context.Context, idle, maxWait time.Duration) error
	SetViewport(ctx context.Context, v Viewport) error
	// Screenshot captures the full page when clip is nil.
	Screenshot(ctx context.Context, clip *Clip) ([]byte, error)
	// EvalJSON runs a script returning JSON.stringify(...) and decodes it into out.
	EvalJSON(ctx context.Context, js string, out any) error
	HTML(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	Close() error
}

type Viewport struct {
	Width  int
	Height int
	Mobile bool
}

type Clip struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// NavigationError is a navigation rejected by the browser itself, such as
// a DNS or connection failure. Reason carries the net::ERR_* code.
type NavigationError struct {
	Reason string
}

func (e *NavigationError) Error() string {
	return "navigation failed: " + e.Reason
}
