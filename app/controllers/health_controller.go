package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/recoverly-app/recoverly/internal/pkg/cache"
	"github.com/recoverly-app/recoverly/internal/pkg/database"
	"github.com/recoverly-app/recoverly/internal/pkg/jobqueue"
)

// HandleHealth reports process liveness plus the state of both stores. A
// degraded dependency turns the overall status to 503 so the load balancer
// stops routing webhooks here.
func HandleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	checks := fiber.Map{
		"database": "ok",
		"redis":    "ok",
		"workers":  "stopped",
	}
	healthy := true

	if db := database.GetDB(); db == nil {
		checks["database"] = "unavailable"
		healthy = false
	} else if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		checks["database"] = "unreachable"
		healthy = false
	}

	if client := cache.GetClient(); client == nil {
		checks["redis"] = "unavailable"
		healthy = false
	} else if err := client.Ping(ctx).Err(); err != nil {
		checks["redis"] = "unreachable"
		healthy = false
	}

	if jobqueue.GetManager().IsRunning() {
		checks["workers"] = "running"
	}

	status := fiber.StatusOK
	if !healthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{
		"healthy": healthy,
		"checks":  checks,
	})
}
