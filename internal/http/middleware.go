package http

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"croanalyzer/internal/metrics"
)

// requestLogger assigns a request id, records request metrics and logs
// one line per request.
func requestLogger(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		// Reuse the caller's request id when present.
		reqID := c.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals("request_id", reqID)
		c.Set("X-Request-Id", reqID)
		if logger != nil {
			c.Locals("logger", logger)
		}

		err := c.Next()
		if err != nil {
			// Let the app's error handler set the final status before we
			// record it.
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
			err = nil
		}

		latency := time.Since(start)
		status := c.Response().StatusCode()
		method := c.Method()
		// The route pattern keeps task ids out of metric labels.
		path := c.Route().Path

		metrics.RecordRequest(method, path, status, latency)

		if logger != nil {
			attrs := []any{
				"request_id", reqID,
				"method", method,
				"path", c.Path(),
				"status", status,
				"latency_ms", latency.Milliseconds(),
			}
			if taskID := c.Locals("task_id"); taskID != nil {
				attrs = append(attrs, "task_id", taskID)
			}
			logger.Info("request", attrs...)
		}

		return err
	}
}

func errorJSON(c *fiber.Ctx, status int, code, msg string) error {
	return c.Status(status).JSON(ErrorResponse{
		Success: false,
		Code:    code,
		Error:   msg,
	})
}

// loggerFrom returns the request-scoped logger, or nil.
func loggerFrom(c *fiber.Ctx) *slog.Logger {
	l, _ := c.Locals("logger").(*slog.Logger)
	return l
}
