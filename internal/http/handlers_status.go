package http

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"croanalyzer/internal/cache"
	"croanalyzer/internal/config"
)

// detailedStatusHandler checks every dependency with a short deadline.
// Only the result store is required for the service to be healthy.
func detailedStatusHandler(c *fiber.Ctx) error {
	d := depsFrom(c)
	cfg := configFrom(c)
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	out := DetailedStatus{Status: "ok", Redis: "ok", Cache: "disabled", Archive: "disabled", Events: "disabled"}
	if err := d.Tasks.Ping(ctx); err != nil {
		out.Redis = "error"
		out.Status = "degraded"
	}
	if _, ok := d.Cache.(cache.Disabled); !ok {
		out.Cache = "ok"
		if !d.Cache.Health(ctx) {
			out.Cache = "error"
		}
	}
	if d.History != nil {
		out.Archive = "ok"
		if err := d.History.Ping(ctx); err != nil {
			out.Archive = "error"
		}
	}
	if d.Events != nil {
		out.Events = "ok"
		if !d.Events.Healthy() {
			out.Events = "error"
		}
	}
	if d.Queue != nil {
		if ready, delayed, err := d.Queue.Depth(ctx); err == nil {
			out.Queue = &QueueStatus{Ready: ready, Delayed: delayed}
		}
	}
	if d.Workers != nil {
		st := d.Workers.Stats()
		out.Workers = &st
	}
	if d.Pool != nil {
		st := d.Pool.Stats()
		out.Pool = &st
		if st.Degraded {
			out.Status = "degraded"
		}
	}
	if cfg != nil {
		out.Config = statusConfig(cfg)
	}

	status := fiber.StatusOK
	if out.Redis == "error" {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(out)
}

func statusConfig(cfg *config.Config) DetailedStatusConfig {
	return DetailedStatusConfig{
		LLMProvider:        cfg.LLM.DefaultProvider,
		TaskTimeoutSeconds: cfg.Worker.TaskTimeoutSeconds,
		MaxAttempts:        cfg.Worker.MaxAttempts,
		CacheTTLSeconds:    cfg.Cache.TTLSeconds,
		RespectRobots:      cfg.Robots.Respect,
		PatternsEnabled:    cfg.Patterns.Enabled,
	}
}
