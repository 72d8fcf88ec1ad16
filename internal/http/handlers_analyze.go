package http

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"croanalyzer/internal/jobs"
	"croanalyzer/internal/model"
	"croanalyzer/internal/store"
)

// analyzeAsyncHandler validates the submission, creates a PENDING task and
// returns its handle immediately.
func analyzeAsyncHandler(c *fiber.Ctx) error {
	d := depsFrom(c)
	cfg := configFrom(c)

	var req AnalyzeRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "BAD_REQUEST_INVALID_JSON", "Invalid request body")
	}
	if strings.TrimSpace(req.URL) == "" {
		return errorJSON(c, fiber.StatusBadRequest, "BAD_REQUEST", "url is required")
	}

	opts := model.Options{IncludeScreenshots: req.IncludeScreenshots, DeepInfo: req.DeepInfo}
	task, err := d.Service.Submit(c.UserContext(), req.URL, opts)
	if err != nil {
		if errors.Is(err, jobs.ErrInvalidURL) {
			return errorJSON(c, fiber.StatusBadRequest, "INVALID_URL", err.Error())
		}
		if l := loggerFrom(c); l != nil {
			l.Error("task_submit_failed", "url", req.URL, "error", err)
		}
		return errorJSON(c, fiber.StatusServiceUnavailable, "QUEUE_UNAVAILABLE", "Task could not be queued")
	}
	c.Locals("task_id", task.ID)

	pollURL := "/analyze/status/" + task.ID
	if cfg != nil && cfg.Server.PublicBaseURL != "" {
		pollURL = strings.TrimRight(cfg.Server.PublicBaseURL, "/") + pollURL
	}
	return c.Status(fiber.StatusAccepted).JSON(AnalyzeResponse{
		TaskID:  task.ID,
		Status:  task.State,
		PollURL: pollURL,
	})
}

// loadTask fetches the task named by the :id param, writing the 404 or 500
// response itself when it cannot.
func loadTask(c *fiber.Ctx) (*model.AnalysisTask, error) {
	id := c.Params("id")
	c.Locals("task_id", id)
	task, err := depsFrom(c).Tasks.Get(c.UserContext(), id)
	if err == nil {
		return task, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, errorJSON(c, fiber.StatusNotFound, "TASK_NOT_FOUND", "Task not found or expired")
	}
	return nil, errorJSON(c, fiber.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Task store is unavailable")
}

func statusView(t *model.AnalysisTask) TaskStatusResponse {
	resp := TaskStatusResponse{
		TaskID:    t.ID,
		Status:    t.State,
		Message:   t.Message,
		Progress:  t.Progress,
		Attempt:   t.Attempt,
		FromCache: t.FromCache,
	}
	switch t.State {
	case model.StateSuccess:
		resp.Result = t.Result
	case model.StateFailure:
		if t.Failure != nil {
			resp.Error = t.Failure.Message
			resp.ErrorKind = t.Failure.Kind
		}
	}
	return resp
}

func taskStatusHandler(c *fiber.Ctx) error {
	task, err := loadTask(c)
	if task == nil {
		return err
	}
	return c.JSON(statusView(task))
}

// taskResultHandler returns the bare result once the task succeeded.
func taskResultHandler(c *fiber.Ctx) error {
	task, err := loadTask(c)
	if task == nil {
		return err
	}

	switch task.State {
	case model.StateSuccess:
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Send(task.Result)
	case model.StateFailure:
		return c.JSON(statusView(task))
	default:
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"status":  task.State,
			"message": task.Message,
		})
	}
}

func cancelTaskHandler(c *fiber.Ctx) error {
	id := c.Params("id")
	c.Locals("task_id", id)
	task, err := depsFrom(c).Service.Cancel(c.UserContext(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return errorJSON(c, fiber.StatusNotFound, "TASK_NOT_FOUND", "Task not found or expired")
	case errors.Is(err, model.ErrTerminal):
		return errorJSON(c, fiber.StatusConflict, "TASK_ALREADY_FINISHED", "Task has already finished")
	case err != nil:
		return errorJSON(c, fiber.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Task store is unavailable")
	}
	return c.JSON(statusView(task))
}

// historyHandler lists archived analyses, newest first.
func historyHandler(c *fiber.Ctx) error {
	d := depsFrom(c)
	if d.History == nil {
		return errorJSON(c, fiber.StatusNotFound, "ARCHIVE_DISABLED", "No analysis archive is configured")
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return errorJSON(c, fiber.StatusBadRequest, "BAD_REQUEST", "invalid limit value")
		}
		if n > 200 {
			n = 200
		}
		limit = n
	}

	records, err := d.History.Recent(c.UserContext(), c.Query("url"), limit)
	if err != nil {
		if l := loggerFrom(c); l != nil {
			l.Error("history_query_failed", "error", err)
		}
		return errorJSON(c, fiber.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE", "Analysis archive is unavailable")
	}
	if records == nil {
		records = []store.Record{}
	}
	return c.JSON(HistoryResponse{Success: true, Analyses: records})
}
