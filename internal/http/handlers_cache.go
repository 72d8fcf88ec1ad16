package http

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"croanalyzer/internal/cache"
	"croanalyzer/internal/model"
)

// clearCacheHandler removes the cached analysis for one URL and option
// set, or every cached analysis when no url is given.
func clearCacheHandler(c *fiber.Ctx) error {
	d := depsFrom(c)
	rawURL := c.Query("url")

	if rawURL == "" {
		n := d.Cache.Purge(c.UserContext())
		return c.JSON(fiber.Map{"success": true, "deleted": n})
	}

	opts := model.Options{
		DeepInfo:           queryBool(c, "deep_info"),
		IncludeScreenshots: queryBool(c, "include_screenshots"),
	}
	key, err := cache.Fingerprint(rawURL, opts)
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "INVALID_URL", err.Error())
	}
	deleted := d.Cache.Delete(c.UserContext(), key)
	return c.JSON(fiber.Map{"success": true, "deleted": boolToInt(deleted), "key": key})
}

// deleteTaskHandler drops a task record from the result store.
func deleteTaskHandler(c *fiber.Ctx) error {
	id := c.Params("id")
	c.Locals("task_id", id)
	deleted, err := depsFrom(c).Tasks.Delete(c.UserContext(), id)
	if err != nil {
		return errorJSON(c, fiber.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Task store is unavailable")
	}
	if !deleted {
		return errorJSON(c, fiber.StatusNotFound, "TASK_NOT_FOUND", "Task not found or expired")
	}
	return c.JSON(fiber.Map{"success": true, "task_id": id})
}

func queryBool(c *fiber.Ctx, key string) bool {
	b, _ := strconv.ParseBool(c.Query(key))
	return b
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
