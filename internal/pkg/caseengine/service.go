// Package caseengine owns the recovery-case state machine: it opens cases
// from qualifying events, applies incentives at most once, executes the
// actions the scheduler derives, and drives cases to a terminal state.
package caseengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/recoverly-app/recoverly/app/models"
	"github.com/recoverly-app/recoverly/app/repository"
	"github.com/recoverly-app/recoverly/internal/pkg/metrics/counter"
	"github.com/recoverly-app/recoverly/internal/pkg/retryer"
)

// ErrCaseTerminal is returned when an operation targets a case that already
// reached a terminal state.
var ErrCaseTerminal = errors.New("case is already in a terminal state")

// JobQueue is the slice of the job queue the engine needs: enqueueing action
// executions and cancelling a terminal case's still-pending jobs.
type JobQueue interface {
	EnqueueExecuteAction(ctx context.Context, actionID uint, caseUUID string, runAt time.Time) error
	CancelPendingForCase(ctx context.Context, caseUUID string) (int64, error)
}

// Notifier delivers nudges and reminders. Delivery is at-least-once; a
// notification sent twice is acceptable, one sent for a recovered case is
// not (that is what the late-cancellation check prevents).
type Notifier interface {
	SendPush(ctx context.Context, userID, message string) error
	SendDirectMessage(ctx context.Context, userID, message string) error
}

// BillingAPI is the outbound billing-provider surface the engine uses.
type BillingAPI interface {
	CancelMembership(ctx context.Context, membershipID string) error
}

// Service implements the recovery-case state machine.
type Service struct {
	cases    repository.CaseRepository
	actions  repository.ActionRepository
	events   repository.EventRepository
	settings repository.SettingRepository
	jobs     JobQueue
	notifier Notifier
	billing  BillingAPI

	now func() time.Time
}

// NewService creates a case engine from injected repositories and
// collaborators.
func NewService(
	cases repository.CaseRepository,
	actions repository.ActionRepository,
	events repository.EventRepository,
	settings repository.SettingRepository,
	jobs JobQueue,
	notifier Notifier,
	billing BillingAPI,
) *Service {
	return &Service{
		cases:    cases,
		actions:  actions,
		events:   events,
		settings: settings,
		jobs:     jobs,
		notifier: notifier,
		billing:  billing,
		now:      time.Now,
	}
}

// ProcessEvent loads a stored event, runs the state machine for it, and
// stamps the outcome on the event row. Already-processed events are a no-op,
// which makes job retries after partial failures safe.
func (s *Service) ProcessEvent(ctx context.Context, eventID uint) error {
	event, err := s.events.GetByID(ctx, eventID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return retryer.Permanent(fmt.Errorf("event %d not found", eventID))
		}
		return fmt.Errorf("load event %d: %w", eventID, err)
	}
	if event.IsProcessed() {
		return nil
	}

	if handleErr := s.HandleEvent(ctx, event); handleErr != nil {
		// Leave processed_at unset so the queue retry and the repair scan
		// both still see the event as open work.
		if err := s.events.RecordError(ctx, event.ID, handleErr.Error()); err != nil {
			log.Errorf("[CaseEngine] Failed to record error on event %d: %v", event.ID, err)
		}
		if retryer.IsPermanent(handleErr) {
			// Permanent failures stay visible in processing_error but must
			// not be rescanned forever.
			if err := s.events.MarkProcessed(ctx, event.ID, handleErr.Error()); err != nil {
				log.Errorf("[CaseEngine] Failed to mark event %d processed: %v", event.ID, err)
			}
		}
		return handleErr
	}

	if err := s.events.MarkProcessed(ctx, event.ID, ""); err != nil {
		log.Errorf("[CaseEngine] Failed to mark event %d processed: %v", event.ID, err)
	}
	return nil
}

// HandleEvent applies one provider event to the state machine.
func (s *Service) HandleEvent(ctx context.Context, event *models.Event) error {
	switch event.Type {
	case models.EventTypePaymentFailed:
		return s.handlePaymentFailed(ctx, event)
	case models.EventTypePaymentSucceeded:
		return s.handlePaymentSucceeded(ctx, event)
	case models.EventTypeMembershipDeactivated:
		return s.handleMembershipDeactivated(ctx, event)
	case models.EventTypeMembershipActivated:
		// No case effect; activation matters to entitlements, not recovery.
		return nil
	default:
		return retryer.Permanent(fmt.Errorf("unhandled event type %q", event.Type))
	}
}

// handlePaymentFailed opens a case for the membership's failure episode or
// augments the already-open one. The conditional insert decides races: the
// loser of a concurrent delivery simply attaches to the winner's case.
func (s *Service) handlePaymentFailed(ctx context.Context, event *models.Event) error {
	now := s.now().UTC()

	candidate := &models.RecoveryCase{
		UUID:               uuid.New().String(),
		CompanyID:          event.CompanyID,
		MembershipID:       event.MembershipID,
		UserID:             event.UserID,
		FirstFailureAt:     event.OccurredAt.UTC(),
		LastActionAt:       &now,
		Attempts:           1,
		LastFailureEventID: event.ID,
		FailureReason:      event.FailureReason,
	}

	created, stored, err := s.cases.CreateIfNoneOpen(ctx, candidate)
	if err != nil {
		return fmt.Errorf("create case for membership %s: %w", event.MembershipID, err)
	}
	if !created {
		// Repeated failure for an open case: count the attempt but never
		// reset the timeline, so provider retries cannot prolong a case.
		// Keyed to the event so a redelivered job cannot count it twice.
		if _, err := s.cases.AugmentOpenCase(ctx, stored.ID, event.ID, now); err != nil {
			return fmt.Errorf("augment case %s: %w", stored.UUID, err)
		}
		log.Infof("[CaseEngine] Augmented open case %s (membership %s)", stored.UUID, event.MembershipID)
		return nil
	}

	counter.AddCaseOpened()
	log.Infof("[CaseEngine] Opened case %s (membership %s)", stored.UUID, event.MembershipID)

	if err := s.grantIncentive(ctx, stored, now); err != nil {
		return err
	}
	return s.ScheduleTimelineStep(ctx, stored, 0, now)
}

// grantIncentive applies the configured free days exactly once per case.
// The repository-level compare-and-set carries the guarantee; a retry that
// loses the CAS records nothing.
func (s *Service) grantIncentive(ctx context.Context, c *models.RecoveryCase, now time.Time) error {
	settings, err := s.settings.Get()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	days := settings.GetIncentiveDays()
	if days <= 0 {
		return nil
	}

	granted, err := s.cases.GrantIncentiveOnce(ctx, c.ID, days)
	if err != nil {
		return fmt.Errorf("grant incentive on case %s: %w", c.UUID, err)
	}
	if !granted {
		return nil
	}

	action := &models.RecoveryAction{
		CaseID:      c.ID,
		Type:        models.ActionTypeIncentiveGrant,
		Channel:     models.ActionChannelNone,
		ScheduledAt: now,
		ExecutedAt:  &now,
		Outcome:     models.ActionOutcomeSuccess,
		Metadata:    fmt.Sprintf(`{"days":%d}`, days),
	}
	if err := s.actions.Create(ctx, action); err != nil {
		return fmt.Errorf("record incentive action for case %s: %w", c.UUID, err)
	}
	return nil
}

// ScheduleTimelineStep creates the action for one timeline offset and
// enqueues its execution. Offset 0 is the nudge; later offsets are
// reminders. Callers are responsible for the per-(case, offset) idempotency
// check; the engine only schedules.
func (s *Service) ScheduleTimelineStep(ctx context.Context, c *models.RecoveryCase, offsetHours int, runAt time.Time) error {
	actionType := models.ActionTypeReminder
	channel := models.ActionChannelDM
	if offsetHours == 0 {
		actionType = models.ActionTypeNudge
		channel = models.ActionChannelPush
	}

	action := &models.RecoveryAction{
		CaseID:              c.ID,
		Type:                actionType,
		Channel:             channel,
		TimelineOffsetHours: offsetHours,
		ScheduledAt:         runAt,
		Outcome:             models.ActionOutcomePending,
	}
	if err := s.actions.Create(ctx, action); err != nil {
		return fmt.Errorf("create %s action for case %s: %w", actionType, c.UUID, err)
	}
	if err := s.jobs.EnqueueExecuteAction(ctx, action.ID, c.UUID, runAt); err != nil {
		return fmt.Errorf("enqueue %s for case %s: %w", actionType, c.UUID, err)
	}
	return nil
}

func (s *Service) handlePaymentSucceeded(ctx context.Context, event *models.Event) error {
	now := s.now().UTC()

	c, err := s.cases.FindOpenByMembership(ctx, event.MembershipID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// No open episode: nothing to recover, terminal cases stay put.
			return nil
		}
		return fmt.Errorf("find open case for membership %s: %w", event.MembershipID, err)
	}

	moved, err := s.cases.TransitionToRecovered(ctx, c.ID, event.AmountCents, now)
	if err != nil {
		return fmt.Errorf("recover case %s: %w", c.UUID, err)
	}
	if !moved {
		return nil
	}

	counter.AddCaseRecovered()
	log.Infof("[CaseEngine] Case %s recovered (membership %s)", c.UUID, event.MembershipID)
	return s.cancelPending(ctx, c, now)
}

func (s *Service) handleMembershipDeactivated(ctx context.Context, event *models.Event) error {
	now := s.now().UTC()

	c, err := s.cases.FindOpenByMembership(ctx, event.MembershipID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("find open case for membership %s: %w", event.MembershipID, err)
	}

	moved, err := s.cases.TransitionToClosed(ctx, c.ID, models.CaseCloseReasonDeactivated, now)
	if err != nil {
		return fmt.Errorf("close case %s: %w", c.UUID, err)
	}
	if !moved {
		return nil
	}

	log.Infof("[CaseEngine] Case %s closed, membership %s deactivated", c.UUID, event.MembershipID)
	return s.cancelPending(ctx, c, now)
}

// CloseExpired transitions a case whose timeline is exhausted. Used by the
// scheduler's expiry scan.
func (s *Service) CloseExpired(ctx context.Context, c *models.RecoveryCase) error {
	now := s.now().UTC()

	moved, err := s.cases.TransitionToClosed(ctx, c.ID, models.CaseCloseReasonTimelineExhausted, now)
	if err != nil {
		return fmt.Errorf("close expired case %s: %w", c.UUID, err)
	}
	if !moved {
		return nil
	}

	log.Infof("[CaseEngine] Case %s closed, reminder timeline exhausted", c.UUID)
	return s.cancelPending(ctx, c, now)
}

// TerminateCase closes a case on operator request. It runs through the same
// transition and cancellation path as automated closes.
func (s *Service) TerminateCase(ctx context.Context, caseUUID, reason string) error {
	now := s.now().UTC()

	c, err := s.cases.GetByUUID(ctx, caseUUID)
	if err != nil {
		return err
	}
	if c.IsTerminal() {
		return ErrCaseTerminal
	}

	moved, err := s.cases.TransitionToClosed(ctx, c.ID, models.CaseCloseReasonManual, now)
	if err != nil {
		return fmt.Errorf("terminate case %s: %w", c.UUID, err)
	}
	if !moved {
		return ErrCaseTerminal
	}

	action := &models.RecoveryAction{
		CaseID:      c.ID,
		Type:        models.ActionTypeTerminateCase,
		Channel:     models.ActionChannelNone,
		ScheduledAt: now,
		ExecutedAt:  &now,
		Outcome:     models.ActionOutcomeSuccess,
		Metadata:    fmt.Sprintf(`{"reason":%q}`, reason),
	}
	if err := s.actions.Create(ctx, action); err != nil {
		log.Errorf("[CaseEngine] Failed to record termination action for case %s: %v", c.UUID, err)
	}

	log.Infof("[CaseEngine] Case %s terminated manually", c.UUID)
	return s.cancelPending(ctx, c, now)
}

func (s *Service) cancelPending(ctx context.Context, c *models.RecoveryCase, now time.Time) error {
	skipped, err := s.actions.CancelPending(ctx, c.ID, now)
	if err != nil {
		return fmt.Errorf("cancel pending actions for case %s: %w", c.UUID, err)
	}
	cancelled, err := s.jobs.CancelPendingForCase(ctx, c.UUID)
	if err != nil {
		return fmt.Errorf("cancel pending jobs for case %s: %w", c.UUID, err)
	}
	if skipped > 0 || cancelled > 0 {
		log.Infof("[CaseEngine] Case %s: skipped %d actions, cancelled %d jobs", c.UUID, skipped, cancelled)
	}
	return nil
}
