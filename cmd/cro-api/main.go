package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"croanalyzer/internal/browser"
	"croanalyzer/internal/cache"
	"croanalyzer/internal/capture"
	"croanalyzer/internal/config"
	"croanalyzer/internal/events"
	server "croanalyzer/internal/http"
	"croanalyzer/internal/jobs"
	"croanalyzer/internal/llm"
	"croanalyzer/internal/migrate"
	"croanalyzer/internal/patterns"
	"croanalyzer/internal/prompt"
	"croanalyzer/internal/robots"
	"croanalyzer/internal/store"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	role := flag.String("role", "all", "process role: api|worker|all")
	flag.Parse()

	if *role != "api" && *role != "worker" && *role != "all" {
		log.Fatalf("invalid role: %s (expected api|worker|all)", *role)
	}

	cfg := config.Load(*configPath)
	logger := newLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("invalid redis url: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	tasks := store.NewRedisStore(rdb, cfg.Worker.ResultTTL()).WithClaimTimeout(cfg.Worker.ClaimTimeout())

	var resultCache cache.Store = cache.Disabled{}
	if *cfg.Cache.Enabled {
		resultCache = cache.NewRedisStore(rdb, cfg.Cache.TTL(), logger)
	}

	// The archive is optional; without a DSN history and retention are off.
	var archive *store.Archive
	if cfg.Database.DSN != "" {
		if err := migrate.Run(cfg.Database.DSN); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		archive, err = store.OpenArchive(ctx, cfg.Database.DSN)
		if err != nil {
			log.Fatalf("open archive failed: %v", err)
		}
		defer archive.Close()
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.Events.NATSURL != "" {
		pub, err := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
		if err != nil {
			// Events are best effort; run without them.
			logger.Warn("events_disabled", "error", err)
		} else {
			publisher = pub
			defer pub.Close()
		}
	}

	orchDeps := jobs.Deps{
		Tasks:  tasks,
		Queue:  tasks,
		Cache:  resultCache,
		Events: publisher,
		Logger: logger,
	}
	if archive != nil {
		orchDeps.Archive = archive
	}
	orchOpts := jobs.Options{
		TaskTimeout:       cfg.Worker.TaskTimeout(),
		MaxAttempts:       cfg.Worker.MaxAttempts,
		RetryDelay:        cfg.Worker.RetryDelay(),
		CacheTTL:          cfg.Cache.TTL(),
		TextExcerptChars:  cfg.Capture.TextExcerptChars,
		StandardMaxTokens: cfg.Analysis.StandardMaxTokens,
		DeepMaxTokens:     cfg.Analysis.DeepMaxTokens,
	}

	apiDeps := server.Deps{
		Tasks:  tasks,
		Queue:  tasks,
		Cache:  resultCache,
		Events: publisher,
	}
	if archive != nil {
		apiDeps.History = archive
	}

	var wg sync.WaitGroup
	var pool *browser.Pool

	if *role == "worker" || *role == "all" {
		pool = newBrowserPool(cfg, logger)
		defer pool.Close()

		if err := pool.Warm(ctx); err != nil {
			logger.Warn("browser_pool_warm_failed", "error", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Maintain(ctx)
		}()

		prompts, err := prompt.New(cfg.Analysis.StandardPromptFile, cfg.Analysis.DeepPromptFile)
		if err != nil {
			log.Fatalf("load prompts failed: %v", err)
		}
		vision, err := llm.NewClientFromConfig(cfg)
		if err != nil {
			log.Fatalf("llm client failed: %v", err)
		}

		orchDeps.Browsers = pool
		orchDeps.Renderer = capture.NewCapturer(captureOptions(cfg), logger)
		orchDeps.Prompts = prompts
		orchDeps.LLM = vision
		if cfg.Robots.Respect {
			orchDeps.Robots = robots.NewChecker(nil, cfg.Robots.UserAgent, 0, logger)
		}
		if cfg.Patterns.Enabled {
			orchDeps.Patterns = patterns.NewClient(patterns.Options{
				URL:       cfg.Patterns.URL,
				TopK:      cfg.Patterns.TopK,
				Threshold: cfg.Patterns.Threshold,
				Timeout:   cfg.Patterns.Timeout(),
			}, logger)
		}
	}

	orch := jobs.NewOrchestrator(orchDeps, orchOpts)
	apiDeps.Service = orch

	if pool != nil {
		var pruner jobs.Pruner
		if archive != nil {
			pruner = archive
		}
		runner := jobs.NewRunner(cfg, tasks, orch, pruner, logger)
		apiDeps.Pool = pool
		apiDeps.Workers = runner
		wg.Add(1)
		go func() {
			defer wg.Done()
			runner.Start(ctx)
		}()

		reporter := jobs.NewReporter(rdb, workerID(), pool, runner, cfg.Worker.StatsInterval(), logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			reporter.Run(ctx)
		}()
		logger.Info("worker_started", "concurrency", cfg.Worker.MaxConcurrentJobs)
	} else {
		// API-only processes show what the workers report through Redis.
		cluster := jobs.NewClusterStats(rdb, logger)
		apiDeps.Pool = cluster.Pool()
		apiDeps.Workers = cluster.Workers()
	}

	if *role == "worker" {
		<-ctx.Done()
	} else {
		s := server.NewServer(cfg, apiDeps, logger)
		go func() {
			<-ctx.Done()
			if err := s.Shutdown(10 * time.Second); err != nil {
				logger.Error("http_shutdown_failed", "error", err)
			}
		}()
		if err := s.Listen(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
		<-ctx.Done()
	}

	logger.Info("shutting_down")
	wg.Wait()
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func newBrowserPool(cfg *config.Config, logger *slog.Logger) *browser.Pool {
	b := cfg.Browser
	launcher := browser.NewRodLauncher(browser.RodOptions{
		ControlURL:       b.ControlURL,
		Bin:              b.Bin,
		Headless:         *b.Headless,
		NoSandbox:        b.NoSandbox,
		UserAgent:        b.UserAgent,
		IgnoreCertErrors: b.IgnoreCertificateErrors,
		LaunchTimeout:    b.LaunchTimeout(),
	})
	return browser.NewPool(browser.Options{
		Size:                b.PoolSize,
		MaxPagesPerBrowser:  b.MaxPagesPerBrowser,
		MaxAge:              b.MaxAge(),
		AcquireTimeout:      b.AcquireTimeout(),
		HealthCheckInterval: b.HealthCheckInterval(),
		LaunchTimeout:       b.LaunchTimeout(),
		StandaloneFallback:  *b.StandaloneFallback,
	}, launcher, logger)
}

func captureOptions(cfg *config.Config) capture.Options {
	c := cfg.Capture
	return capture.Options{
		NavigationTimeout: c.NavigationTimeout(),
		NetworkIdle:       c.NetworkIdle(),
		SettleDelay:       c.SettleDelay(),
		KeepOverlays:      !*c.DismissOverlays,
		OverlayWait:       c.OverlayWait(),
		Desktop:           browser.Viewport{Width: c.DesktopWidth, Height: c.DesktopHeight},
		Mobile:            browser.Viewport{Width: c.MobileWidth, Height: c.MobileHeight, Mobile: true},
		MaxDimension:      c.MaxDimension,
		MaxImageBytes:     c.MaxImageBytes,
	}
}
