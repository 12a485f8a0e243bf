package caseengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/recoverly-app/recoverly/app/models"
	"github.com/recoverly-app/recoverly/internal/pkg/metrics/counter"
	"github.com/recoverly-app/recoverly/internal/pkg/retryer"
)

// ExecuteAction performs the side effect of one scheduled action. It is the
// body of the execute_action job: a returned error makes the queue retry, a
// permanent error dead-letters the job. The late-cancellation check here is
// what prevents a notification from reaching a user whose case went terminal
// between scheduling and execution.
func (s *Service) ExecuteAction(ctx context.Context, actionID uint) error {
	now := s.now().UTC()

	action, err := s.actions.GetByID(ctx, actionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return retryer.Permanent(fmt.Errorf("action %d not found", actionID))
		}
		return fmt.Errorf("load action %d: %w", actionID, err)
	}
	if action.IsFinal() {
		return nil
	}

	c, err := s.cases.GetByID(ctx, action.CaseID)
	if err != nil {
		return fmt.Errorf("load case %d for action %d: %w", action.CaseID, actionID, err)
	}

	if c.IsTerminal() && actionTargetsUser(action.Type) {
		if err := s.actions.MarkExecuted(ctx, action.ID, models.ActionOutcomeSkipped, now); err != nil {
			return fmt.Errorf("skip action %d: %w", action.ID, err)
		}
		log.Infof("[CaseEngine] Skipped %s for terminal case %s", action.Type, c.UUID)
		return nil
	}

	switch action.Type {
	case models.ActionTypeNudge:
		err = s.notifier.SendPush(ctx, c.UserID, s.nudgeMessage(c))
	case models.ActionTypeReminder:
		err = s.notifier.SendDirectMessage(ctx, c.UserID, s.reminderMessage(c))
	case models.ActionTypeCancelMembership:
		err = s.billing.CancelMembership(ctx, c.MembershipID)
	default:
		return retryer.Permanent(fmt.Errorf("no executor for action type %q", action.Type))
	}
	if err != nil {
		// Leave the action pending; the queue's retry policy decides whether
		// it runs again or the job dead-letters and FailAction finalizes it.
		return fmt.Errorf("execute %s for case %s: %w", action.Type, c.UUID, err)
	}

	if err := s.actions.MarkExecuted(ctx, action.ID, models.ActionOutcomeSuccess, now); err != nil {
		return fmt.Errorf("finalize action %d: %w", action.ID, err)
	}
	if err := s.cases.TouchLastAction(ctx, c.ID, now); err != nil {
		log.Errorf("[CaseEngine] Failed to touch case %s after action %d: %v", c.UUID, action.ID, err)
	}
	if actionTargetsUser(action.Type) {
		counter.AddNotificationSent()
	}

	log.Infof("[CaseEngine] Executed %s via %s for case %s", action.Type, action.Channel, c.UUID)
	return nil
}

// FailAction finalizes an action whose execution job exhausted its retries.
func (s *Service) FailAction(ctx context.Context, actionID uint) error {
	return s.actions.MarkExecuted(ctx, actionID, models.ActionOutcomeFailed, s.now().UTC())
}

// actionTargetsUser reports whether the action reaches the member directly.
// Only those are suppressed when a case goes terminal; a cancel_membership
// against a closed case is still wanted.
func actionTargetsUser(actionType string) bool {
	return actionType == models.ActionTypeNudge || actionType == models.ActionTypeReminder
}

func (s *Service) nudgeMessage(c *models.RecoveryCase) string {
	msg := "We couldn't process your membership payment. Please update your payment method to keep your benefits."
	if c.IncentiveDaysGranted > 0 {
		msg = fmt.Sprintf("We couldn't process your membership payment. We've added %d free days to your membership - please update your payment method to keep your benefits.", c.IncentiveDaysGranted)
	}
	return msg
}

func (s *Service) reminderMessage(c *models.RecoveryCase) string {
	return fmt.Sprintf("Reminder: your membership payment is still failing (%s). Update your payment method to avoid losing access.", c.FailureReason)
}
