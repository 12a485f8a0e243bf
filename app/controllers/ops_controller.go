package controllers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/recoverly-app/recoverly/app/repository"
	"github.com/recoverly-app/recoverly/internal/pkg/caseengine"
	"github.com/recoverly-app/recoverly/internal/pkg/jobqueue"
	"github.com/recoverly-app/recoverly/internal/pkg/retryer"
)

// HandleQueueStats reports job counts per status plus the circuit breaker
// states, which together are the first thing to look at when recovery work
// stalls.
func HandleQueueStats(c *fiber.Ctx) error {
	stats, err := jobqueue.GetManager().GetQueue().Stats(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stats_unavailable"})
	}
	return c.JSON(fiber.Map{
		"jobs":     stats,
		"breakers": retryer.BreakerStates(),
	})
}

// HandleReplayDeadLetter puts a dead-lettered job back on the queue.
func HandleReplayDeadLetter(c *fiber.Ctx) error {
	jobUUID := c.Params("uuid")

	job, err := jobqueue.GetManager().GetQueue().ReplayDeadLetter(c.Context(), jobUUID)
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "job_not_found"})
		case errors.Is(err, repository.ErrJobNotReplayable):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "job_not_replayable"})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "replay_failed"})
		}
	}
	return c.JSON(fiber.Map{"ok": true, "job": job})
}

// HandleTerminateCase closes a case on operator request.
func HandleTerminateCase(c *fiber.Ctx) error {
	caseUUID := c.Params("uuid")

	var body struct {
		Reason string `json:"reason"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
		}
	}
	if body.Reason == "" {
		body.Reason = "terminated by operator"
	}

	err := jobqueue.GetManager().GetEngine().TerminateCase(c.Context(), caseUUID, body.Reason)
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "case_not_found"})
		case errors.Is(err, caseengine.ErrCaseTerminal):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "case_already_terminal"})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "terminate_failed"})
		}
	}
	return c.JSON(fiber.Map{"ok": true})
}

// HandleGetCase returns one case with its action history.
func HandleGetCase(c *fiber.Ctx) error {
	caseUUID := c.Params("uuid")
	repos := repository.GetGlobalRepositories()

	rc, err := repos.Case.GetByUUID(c.Context(), caseUUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "case_not_found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "case_lookup_failed"})
	}

	actions, err := repos.Action.ListByCase(c.Context(), rc.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "action_lookup_failed"})
	}

	return c.JSON(fiber.Map{"case": rc, "actions": actions})
}

// HandleGetCaseMember resolves the provider-side member profile behind a
// case's membership, for operators chasing a stuck case.
func HandleGetCaseMember(c *fiber.Ctx) error {
	caseUUID := c.Params("uuid")

	rc, err := repository.GetGlobalRepositories().Case.GetByUUID(c.Context(), caseUUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "case_not_found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "case_lookup_failed"})
	}

	profile, err := jobqueue.GetManager().GetBilling().GetMemberProfile(c.Context(), rc.MembershipID)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "member_lookup_failed"})
	}
	return c.JSON(fiber.Map{"case_uuid": rc.UUID, "member": profile})
}

// HandleGetCasePayment asks the billing provider for the live payment state of
// the membership behind a case, so operators can see whether a charge already
// went through before the next webhook arrives.
func HandleGetCasePayment(c *fiber.Ctx) error {
	caseUUID := c.Params("uuid")

	rc, err := repository.GetGlobalRepositories().Case.GetByUUID(c.Context(), caseUUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "case_not_found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "case_lookup_failed"})
	}

	status, err := jobqueue.GetManager().GetBilling().GetPaymentStatus(c.Context(), rc.MembershipID)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "payment_lookup_failed"})
	}
	return c.JSON(fiber.Map{"case_uuid": rc.UUID, "payment": status})
}

// HandleDailyStats returns the persisted counters for one day (today when no
// date is given).
func HandleDailyStats(c *fiber.Ctx) error {
	date := c.Query("date")
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", date); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_date"})
	}

	stats, err := repository.GetGlobalRepositories().Stats.GetDaily(c.Context(), date)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no_stats_for_date"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stats_lookup_failed"})
	}
	return c.JSON(stats)
}
