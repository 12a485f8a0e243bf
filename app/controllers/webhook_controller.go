package controllers

import (
	"errors"
	"sync"

	"github.com/gofiber/fiber/v2"

	"github.com/recoverly-app/recoverly/app/repository"
	"github.com/recoverly-app/recoverly/internal/pkg/env"
	"github.com/recoverly-app/recoverly/internal/pkg/ingest"
	"github.com/recoverly-app/recoverly/internal/pkg/jobqueue"
)

var (
	ingestService *ingest.Service
	ingestOnce    sync.Once
)

func getIngestService() *ingest.Service {
	ingestOnce.Do(func() {
		ingestService = ingest.NewService(
			repository.GetGlobalFactory().GetEventRepository(),
			jobqueue.GetManager().GetQueue(),
			env.GetEnv("BILLING_WEBHOOK_SECRET", ""),
		)
	})
	return ingestService
}

// HandleBillingWebhook receives provider webhook deliveries. The provider
// retries on any non-2xx, so the status codes here are the retry contract:
// 401/400 mean the delivery will never be accepted, 500 asks for another
// try, and duplicates are acknowledged as success.
func HandleBillingWebhook(c *fiber.Ctx) error {
	result, err := getIngestService().Ingest(c.Context(), c.Body(), c.Get("X-Billing-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrInvalidSignature):
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
		case errors.Is(err, ingest.ErrMalformedPayload):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
		}
	}

	if result.Duplicate {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}
