package http

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"croanalyzer/internal/browser"
	"croanalyzer/internal/cache"
	"croanalyzer/internal/config"
	"croanalyzer/internal/events"
	"croanalyzer/internal/jobs"
	"croanalyzer/internal/metrics"
	"croanalyzer/internal/model"
	"croanalyzer/internal/store"
)

// TaskService submits and cancels analyses. *jobs.Orchestrator implements it.
type TaskService interface {
	Submit(ctx context.Context, url string, opts model.Options) (*model.AnalysisTask, error)
	Cancel(ctx context.Context, id string) (*model.AnalysisTask, error)
}

// History lists archived analyses. *store.Archive implements it.
type History interface {
	Recent(ctx context.Context, url string, limit int) ([]store.Record, error)
	Ping(ctx context.Context) error
}

type PoolStats interface {
	Stats() browser.Stats
}

type WorkerStats interface {
	Stats() jobs.RunnerStats
}

// Deps are the collaborators the handlers use. History, Pool, Workers and
// Events are optional; an API-only process has no pool or workers.
type Deps struct {
	Tasks   store.TaskStore
	Queue   store.Queue
	Service TaskService
	Cache   cache.Store
	History History
	Pool    PoolStats
	Workers WorkerStats
	Events  events.Publisher
}

type Server struct {
	app    *fiber.App
	config *config.Config
	logger *slog.Logger
}

func NewServer(cfg *config.Config, d Deps, logger *slog.Logger) *Server {
	if d.Cache == nil {
		d.Cache = cache.Disabled{}
	}
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
	})
	app.Use(recover.New())

	// Inject config and dependencies into context for handlers
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("config", cfg)
		c.Locals("deps", &d)
		return c.Next()
	})
	app.Use(requestLogger(logger))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/status/detailed", detailedStatusHandler)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	registerAnalyzeRoutes(app.Group("/analyze"))
	registerCacheRoutes(app.Group("/cache"))

	return &Server{app: app, config: cfg, logger: logger}
}

func registerAnalyzeRoutes(group fiber.Router) {
	group.Post("/async", analyzeAsyncHandler)
	group.Get("/status/:id", taskStatusHandler)
	group.Get("/result/:id", taskResultHandler)
	group.Get("/history", historyHandler)
	group.Delete("/:id", cancelTaskHandler)
}

func registerCacheRoutes(group fiber.Router) {
	group.Delete("/analysis", clearCacheHandler)
	group.Delete("/task/:id", deleteTaskHandler)
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	if s.logger != nil {
		s.logger.Info("http_listening", "addr", addr)
	}
	return s.app.Listen(addr)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}

func depsFrom(c *fiber.Ctx) *Deps {
	d, _ := c.Locals("deps").(*Deps)
	return d
}

func configFrom(c *fiber.Ctx) *config.Config {
	cfg, _ := c.Locals("config").(*config.Config)
	return cfg
}
