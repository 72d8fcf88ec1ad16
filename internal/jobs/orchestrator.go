package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"croanalyzer/internal/browser"
	"croanalyzer/internal/cache"
	"croanalyzer/internal/capture"
	"croanalyzer/internal/events"
	"croanalyzer/internal/llm"
	"croanalyzer/internal/metrics"
	"croanalyzer/internal/model"
	"croanalyzer/internal/patterns"
	"croanalyzer/internal/prompt"
	"croanalyzer/internal/repair"
	"croanalyzer/internal/store"
)

var (
	// ErrInvalidURL rejects submissions that are not absolute http(s) URLs.
	ErrInvalidURL = errors.New("invalid url")

	errCancelRequested = errors.New("cancellation requested")
)

// Browsers hands out pages. *browser.Pool implements it.
type Browsers interface {
	Acquire(ctx context.Context) (*browser.Lease, error)
}

// Renderer loads and captures a page. *capture.Capturer implements it.
type Renderer interface {
	Load(ctx context.Context, page browser.Page, url string) (*capture.Loaded, error)
	Shoot(ctx context.Context, page browser.Page, url string, sections bool) (*capture.Shots, error)
}

// RobotsGate reports whether a URL may be fetched.
type RobotsGate interface {
	Allowed(ctx context.Context, rawURL string) (bool, error)
}

// Archiver persists terminal tasks.
type Archiver interface {
	Save(ctx context.Context, t *model.AnalysisTask) error
}

// Deps are the collaborators of an Orchestrator. Cache, Robots, Patterns,
// Events and Archive are optional.
type Deps struct {
	Tasks    store.TaskStore
	Queue    store.Queue
	Cache    cache.Store
	Browsers Browsers
	Renderer Renderer
	Robots   RobotsGate
	Patterns patterns.Source
	Prompts  *prompt.Builder
	LLM      llm.VisionClient
	Events   events.Publisher
	Archive  Archiver
	Logger   *slog.Logger
}

// Options tune execution limits and retry behaviour.
type Options struct {
	TaskTimeout        time.Duration
	MaxAttempts        int
	RetryDelay         time.Duration
	CacheTTL           time.Duration
	TextExcerptChars   int
	StandardMaxTokens  int
	DeepMaxTokens      int
	CancelPollInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = 170 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 60 * time.Second
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = cache.DefaultTTL
	}
	if o.TextExcerptChars <= 0 {
		o.TextExcerptChars = 4000
	}
	if o.StandardMaxTokens <= 0 {
		o.StandardMaxTokens = 2000
	}
	if o.DeepMaxTokens <= 0 {
		o.DeepMaxTokens = 4000
	}
	if o.CancelPollInterval <= 0 {
		o.CancelPollInterval = time.Second
	}
}

// Orchestrator submits analysis tasks and runs them through the
// acquire, load, capture, analyze and parse pipeline.
type Orchestrator struct {
	d    Deps
	opts Options
	now  func() time.Time
}

func NewOrchestrator(d Deps, opts Options) *Orchestrator {
	opts.applyDefaults()
	if d.Cache == nil {
		d.Cache = cache.Disabled{}
	}
	if d.Patterns == nil {
		d.Patterns = patterns.None{}
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	return &Orchestrator{d: d, opts: opts, now: func() time.Time { return time.Now().UTC() }}
}

func (o *Orchestrator) logInfo(msg string, args ...any) {
	if o.d.Logger != nil {
		o.d.Logger.Info(msg, args...)
	}
}

func (o *Orchestrator) logWarn(msg string, args ...any) {
	if o.d.Logger != nil {
		o.d.Logger.Warn(msg, args...)
	}
}

func (o *Orchestrator) logError(msg string, args ...any) {
	if o.d.Logger != nil {
		o.d.Logger.Error(msg, args...)
	}
}

// ValidateURL accepts absolute http and https URLs with a host.
func ValidateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return raw, nil
}

// Submit creates a PENDING task and enqueues it.
func (o *Orchestrator) Submit(ctx context.Context, rawURL string, opts model.Options) (*model.AnalysisTask, error) {
	target, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate task id: %w", err)
	}

	task := model.NewTask(id.String(), target, opts, o.opts.MaxAttempts, o.now())
	if err := o.d.Tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if err := o.d.Queue.Enqueue(ctx, task.ID); err != nil {
		if _, derr := o.d.Tasks.Delete(ctx, task.ID); derr != nil {
			o.logWarn("task_cleanup_failed", "task_id", task.ID, "error", derr)
		}
		return nil, fmt.Errorf("enqueue task: %w", err)
	}

	o.logInfo("task_submitted", "task_id", task.ID, "url", task.URL, "mode", string(opts.Mode()))
	o.publish(ctx, task)
	return task, nil
}

// Cancel fails a PENDING task immediately and flags a running one so its
// execution stops at the next stage boundary.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*model.AnalysisTask, error) {
	now := o.now()
	task, err := o.d.Tasks.Update(ctx, id, func(t *model.AnalysisTask) error {
		if t.State.Terminal() {
			return model.ErrTerminal
		}
		if t.State == model.StatePending {
			return t.Fail(cancelledFailure(), now)
		}
		t.CancelRequested = true
		t.Message = "Cancellation requested"
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.logInfo("task_cancel_requested", "task_id", id, "state", string(task.State))
	if task.State.Terminal() {
		o.finish(ctx, task)
	}
	return task, nil
}

func cancelledFailure() model.Failure {
	return model.Failure{Kind: model.KindCancelled, Message: "Task was cancelled"}
}

func workerLostFailure() model.Failure {
	return model.Failure{Kind: model.KindInternal, Message: "Worker stopped responding", Cause: "worker lost"}
}

// Execute runs one execution of the task. Errors are recorded on the task;
// nothing is returned because the runner has no one to report to.
func (o *Orchestrator) Execute(ctx context.Context, id string) {
	begin := time.Now()
	lost := false
	task, err := o.d.Tasks.Update(ctx, id, func(t *model.AnalysisTask) error {
		now := o.now()
		lost = t.State == model.StateStarted || t.State == model.StateProgress
		if lost {
			// Handed back by the queue after the previous worker's claim
			// expired; that execution counts as a failed attempt.
			if !t.CanRetry() {
				return t.Fail(workerLostFailure(), now)
			}
			if err := t.Requeue("Worker lost, task re-queued", now); err != nil {
				return err
			}
		}
		return t.Start(now)
	})
	switch {
	case errors.Is(err, model.ErrTerminal):
		o.logInfo("task_skipped", "task_id", id, "reason", "terminal")
		return
	case errors.Is(err, store.ErrNotFound):
		o.logWarn("task_skipped", "task_id", id, "reason", "not_found")
		return
	case err != nil:
		o.logError("task_start_failed", "task_id", id, "error", err)
		return
	}

	if task.State == model.StateFailure {
		metrics.RecordTask(string(task.Options.Mode()), "failure", time.Since(begin))
		o.logWarn("task_failed", "task_id", id, "url", task.URL, "attempt", task.Attempt,
			"kind", string(model.KindInternal), "error", "worker lost")
		o.finish(ctx, task)
		return
	}
	if lost {
		o.logWarn("task_recovered", "task_id", id, "attempt", task.Attempt)
	}

	mode := task.Options.Mode()
	o.logInfo("task_started", "task_id", id, "url", task.URL, "attempt", task.Attempt, "mode", string(mode))
	o.publish(ctx, task)

	timeoutCtx, cancelTimeout := context.WithTimeout(ctx, o.opts.TaskTimeout)
	defer cancelTimeout()
	runCtx, cancelRun := context.WithCancelCause(timeoutCtx)
	defer cancelRun(nil)
	go o.watchCancel(runCtx, id, cancelRun)

	raw, fromCache, err := o.run(runCtx, task)
	cancelRun(nil)

	// Final writes must land even when the execution context has ended.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err == nil {
		o.succeed(fctx, task, raw, fromCache, begin)
		return
	}

	switch {
	case errors.Is(err, errCancelRequested) || errors.Is(context.Cause(runCtx), errCancelRequested):
		o.fail(fctx, task, cancelledFailure(), begin)
	case ctx.Err() != nil:
		o.requeue(fctx, task, "Worker stopped, task re-queued", 0, begin)
	case errors.Is(timeoutCtx.Err(), context.DeadlineExceeded):
		o.fail(fctx, task, model.Failure{
			Kind:    model.KindTaskTimeout,
			Message: fmt.Sprintf("Task exceeded %s", o.opts.TaskTimeout),
			Cause:   err.Error(),
		}, begin)
	default:
		f := classify(err)
		if f.Retryable && task.CanRetry() {
			msg := fmt.Sprintf("retry %d/%d scheduled after %s", task.Attempt+1, task.MaxAttempts, f.Kind)
			o.requeue(fctx, task, msg, o.opts.RetryDelay, begin)
			return
		}
		o.fail(fctx, task, f, begin)
	}
}

// classify maps a pipeline error to the failure reported to the client.
func classify(err error) model.Failure {
	var (
		re  *capture.RenderError
		api *llm.APIError
	)
	switch {
	case errors.Is(err, browser.ErrPoolExhausted):
		return model.Failure{Kind: model.KindPoolExhausted, Message: "No browser available", Cause: err.Error(), Retryable: true}
	case errors.As(err, &re):
		msg := "Page could not be rendered"
		if re.Reason == capture.ReasonBlocked {
			msg = "Page is disallowed by robots.txt"
		}
		return model.Failure{Kind: model.KindRenderFailure, Message: msg, Cause: err.Error(), Retryable: re.Retryable()}
	case errors.As(err, &api):
		return model.Failure{Kind: model.KindAnalysisAPIError, Message: "Analysis service request failed", Cause: err.Error(), Retryable: llm.IsTransient(err)}
	case errors.Is(err, repair.ErrUnparsable):
		return model.Failure{Kind: model.KindUnparsable, Message: "Analysis response could not be parsed", Cause: err.Error()}
	default:
		return model.Failure{Kind: model.KindInternal, Message: "Internal error", Cause: err.Error()}
	}
}

func (o *Orchestrator) watchCancel(ctx context.Context, id string, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(o.opts.CancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t, err := o.d.Tasks.Get(ctx, id)
			if err == nil && t.CancelRequested {
				cancel(errCancelRequested)
				return
			}
		}
	}
}

// advance records the start of a stage. It doubles as the cancellation
// check at every stage boundary.
func (o *Orchestrator) advance(ctx context.Context, id string, s step) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	task, err := o.d.Tasks.Update(ctx, id, func(t *model.AnalysisTask) error {
		if t.CancelRequested {
			return errCancelRequested
		}
		return t.Advance(s.progress(), o.now())
	})
	if err != nil {
		return err
	}
	o.publish(ctx, task)
	return nil
}

func timed(stage string, begin time.Time) {
	metrics.ObserveStage(stage, time.Since(begin))
}

// run executes the pipeline and returns the encoded result.
func (o *Orchestrator) run(ctx context.Context, task *model.AnalysisTask) (json.RawMessage, bool, error) {
	mode := task.Options.Mode()
	key, err := cache.Fingerprint(task.URL, task.Options)
	if err != nil {
		return nil, false, fmt.Errorf("fingerprint: %w", err)
	}

	// Retries skip the cache; the first attempt already missed.
	if task.Attempt == 1 {
		if cached, ok := o.d.Cache.Get(ctx, key); ok {
			var res model.AnalysisResult
			uerr := json.Unmarshal(cached, &res)
			if uerr == nil {
				return cached, true, nil
			}
			// A corrupt entry is a miss; drop it so the fresh result replaces it.
			o.logWarn("cache_entry_invalid", "task_id", task.ID, "key", key, "error", uerr)
			o.d.Cache.Delete(ctx, key)
		}
	}

	if err := o.advance(ctx, task.ID, stepAcquire); err != nil {
		return nil, false, err
	}
	begin := time.Now()
	lease, err := o.d.Browsers.Acquire(ctx)
	timed(stepAcquire.Stage, begin)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, context.Cause(ctx)
		}
		if !errors.Is(err, browser.ErrPoolExhausted) {
			err = fmt.Errorf("%w: %v", browser.ErrPoolExhausted, err)
		}
		return nil, false, err
	}
	defer lease.Release()
	page := lease.Page()

	if err := o.advance(ctx, task.ID, stepLoad); err != nil {
		return nil, false, err
	}
	begin = time.Now()
	if o.d.Robots != nil {
		allowed, err := o.d.Robots.Allowed(ctx, task.URL)
		if err != nil {
			return nil, false, err
		}
		if !allowed {
			return nil, false, &capture.RenderError{URL: task.URL, Reason: capture.ReasonBlocked}
		}
	}
	loaded, err := o.d.Renderer.Load(ctx, page, task.URL)
	timed(stepLoad.Stage, begin)
	if err != nil {
		return nil, false, err
	}

	if err := o.advance(ctx, task.ID, stepCapture); err != nil {
		return nil, false, err
	}
	begin = time.Now()
	shots, err := o.d.Renderer.Shoot(ctx, page, task.URL, mode == model.ModeDeep)
	timed(stepCapture.Stage, begin)
	if err != nil {
		var re *capture.RenderError
		if errors.As(err, &re) && re.Reason == capture.ReasonCapture {
			lease.MarkUnhealthy()
		}
		return nil, false, err
	}

	if err := o.advance(ctx, task.ID, stepAnalyze); err != nil {
		return nil, false, err
	}
	begin = time.Now()
	resp, err := o.analyze(ctx, task, loaded, shots)
	timed(stepAnalyze.Stage, begin)
	if err != nil {
		return nil, false, err
	}

	if err := o.advance(ctx, task.ID, stepParse); err != nil {
		return nil, false, err
	}
	parsed, err := repair.Parse(resp.Text, mode)
	if err != nil {
		if resp.StopReason == "max_tokens" || resp.StopReason == "length" || resp.StopReason == "MAX_TOKENS" {
			err = fmt.Errorf("%w (response truncated at %d output tokens)", err, resp.OutputTokens)
		}
		return nil, false, err
	}
	metrics.RecordParseLayer(parsed.Layer)

	result := assemble(task, loaded, shots, parsed, o.now())
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, false, fmt.Errorf("encode result: %w", err)
	}
	if !result.Partial {
		o.d.Cache.Set(ctx, key, raw, o.opts.CacheTTL)
	} else {
		o.logWarn("task_partial_result", "task_id", task.ID, "url", task.URL, "layer", parsed.Layer)
	}
	return raw, false, nil
}

// analyze builds the prompt from page context and calls the vision model.
func (o *Orchestrator) analyze(ctx context.Context, task *model.AnalysisTask, loaded *capture.Loaded, shots *capture.Shots) (llm.Response, error) {
	mode := task.Options.Mode()
	images := shots.All()

	data := prompt.Data{URL: task.URL, Title: loaded.Title}
	sections := make([]string, 0, len(images))
	for _, img := range images {
		data.Images = append(data.Images, img.Name)
		sections = append(sections, img.Name)
	}

	var host string
	if u, err := url.Parse(task.URL); err == nil {
		host = u.Host
	}
	if facts, err := capture.ExtractFacts(loaded.HTML); err == nil {
		data.Facts = facts.Summary()
		query := strings.TrimSpace(strings.Join(append([]string{loaded.Title, facts.Description}, facts.H1...), " "))
		data.Patterns = o.d.Patterns.Lookup(ctx, query, sections)
	} else {
		o.logWarn("page_facts_failed", "task_id", task.ID, "error", err)
	}
	data.Text = capture.ExtractText(loaded.HTML, host, o.opts.TextExcerptChars)

	text, err := o.d.Prompts.Render(mode, data)
	if err != nil {
		return llm.Response{}, fmt.Errorf("render prompt: %w", err)
	}

	req := llm.VisionRequest{System: o.d.Prompts.System(), Prompt: text, MaxTokens: o.opts.StandardMaxTokens}
	if mode == model.ModeDeep {
		req.MaxTokens = o.opts.DeepMaxTokens
	}
	for _, img := range images {
		req.Images = append(req.Images, llm.Image{Name: img.Name, MediaType: img.MediaType, Data: img.Base64()})
	}
	return o.d.LLM.Analyze(ctx, req)
}

// assemble turns parsed model output into the client-facing result.
func assemble(task *model.AnalysisTask, loaded *capture.Loaded, shots *capture.Shots, p *repair.Parsed, now time.Time) model.AnalysisResult {
	res := model.AnalysisResult{
		URL:                   task.URL,
		AnalyzedAt:            now,
		Mode:                  task.Options.Mode(),
		Title:                 loaded.Title,
		Issues:                p.Issues,
		QuickWins:             p.QuickWins,
		TotalIssuesIdentified: p.TotalIssuesIdentified,
		ExecutiveSummary:      p.ExecutiveSummary,
		Scorecards:            p.Scorecards,
		ConversionPotential:   p.ConversionPotential,
		Partial:               p.Partial,
	}
	if res.Issues == nil {
		res.Issues = []model.Issue{}
	}
	if !task.Options.IncludeScreenshots {
		return res
	}

	byName := make(map[string]string)
	for _, img := range shots.All() {
		b64 := img.Base64()
		byName[img.Name] = b64
		res.Screenshots = append(res.Screenshots, model.Screenshot{Name: img.Name, Width: img.Width, Height: img.Height, Base64: b64})
	}
	issues := make([]model.Issue, len(res.Issues))
	for i, is := range res.Issues {
		if b64, ok := byName[is.Section]; ok {
			is.ScreenshotBase64 = b64
		}
		issues[i] = is
	}
	res.Issues = issues
	return res
}

func (o *Orchestrator) succeed(ctx context.Context, task *model.AnalysisTask, raw json.RawMessage, fromCache bool, begin time.Time) {
	msg := "Analysis complete"
	if fromCache {
		msg = "Analysis complete (cached)"
	}
	updated, err := o.d.Tasks.Update(ctx, task.ID, func(t *model.AnalysisTask) error {
		if err := t.Succeed(raw, msg, o.now()); err != nil {
			return err
		}
		t.FromCache = fromCache
		return nil
	})
	if err != nil {
		o.logError("task_update_failed", "task_id", task.ID, "error", err)
		if !errors.Is(err, model.ErrTerminal) {
			o.fail(ctx, task, model.Failure{Kind: model.KindInternal, Message: "Result could not be stored", Cause: err.Error()}, begin)
		}
		return
	}

	outcome := "success"
	if fromCache {
		outcome = "cached"
	}
	metrics.RecordTask(string(task.Options.Mode()), outcome, time.Since(begin))
	o.logInfo("task_completed", "task_id", task.ID, "url", task.URL, "attempt", updated.Attempt,
		"from_cache", fromCache, "duration_ms", time.Since(begin).Milliseconds())
	o.finish(ctx, updated)
}

func (o *Orchestrator) fail(ctx context.Context, task *model.AnalysisTask, f model.Failure, begin time.Time) {
	updated, err := o.d.Tasks.Update(ctx, task.ID, func(t *model.AnalysisTask) error {
		return t.Fail(f, o.now())
	})
	if err != nil {
		o.logError("task_update_failed", "task_id", task.ID, "error", err)
		return
	}
	metrics.RecordTask(string(task.Options.Mode()), "failure", time.Since(begin))
	o.logWarn("task_failed", "task_id", task.ID, "url", task.URL, "attempt", updated.Attempt,
		"kind", string(f.Kind), "error", f.Cause)
	o.finish(ctx, updated)
}

// requeue returns the task to PENDING and schedules it after delay.
func (o *Orchestrator) requeue(ctx context.Context, task *model.AnalysisTask, msg string, delay time.Duration, begin time.Time) {
	updated, err := o.d.Tasks.Update(ctx, task.ID, func(t *model.AnalysisTask) error {
		return t.Requeue(msg, o.now())
	})
	if err != nil {
		o.logError("task_update_failed", "task_id", task.ID, "error", err)
		return
	}

	if delay > 0 {
		err = o.d.Queue.EnqueueAt(ctx, task.ID, o.now().Add(delay))
	} else {
		err = o.d.Queue.Enqueue(ctx, task.ID)
	}
	if err != nil {
		o.logError("task_requeue_failed", "task_id", task.ID, "error", err)
		o.fail(ctx, updated, model.Failure{Kind: model.KindInternal, Message: "Retry could not be scheduled", Cause: err.Error()}, begin)
		return
	}

	metrics.RecordTask(string(task.Options.Mode()), "retry", time.Since(begin))
	o.logInfo("task_retry_scheduled", "task_id", task.ID, "url", task.URL, "attempt", updated.Attempt,
		"delay", delay.String(), "message", msg)
	o.publish(ctx, updated)
}

// finish publishes and archives a terminal task.
func (o *Orchestrator) finish(ctx context.Context, task *model.AnalysisTask) {
	o.publish(ctx, task)
	if o.d.Archive == nil {
		return
	}
	if err := o.d.Archive.Save(ctx, task); err != nil {
		o.logWarn("task_archive_failed", "task_id", task.ID, "error", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, task *model.AnalysisTask) {
	if err := o.d.Events.Publish(ctx, events.FromTask(task)); err != nil {
		o.logWarn("task_event_failed", "task_id", task.ID, "state", string(task.State), "error", err)
	}
}
