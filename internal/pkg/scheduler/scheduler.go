// Package scheduler derives work from state instead of storing forward
// schedules: each scan reads open cases and unprocessed events and computes
// what is due now. Crashing between scans loses nothing, the next scan
// reaches the same conclusions.
package scheduler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/recoverly-app/recoverly/app/models"
	"github.com/recoverly-app/recoverly/app/repository"
	"github.com/recoverly-app/recoverly/internal/pkg/caseengine"
)

const (
	scanBatchSize = 500

	// repairLag keeps the repair scan away from events whose process job is
	// simply still in flight.
	repairLag = 5 * time.Minute
)

// Enqueuer is the slice of the job queue the scheduler needs.
type Enqueuer interface {
	EnqueueProcessEvent(ctx context.Context, eventID uint) error
	EnqueueExecuteAction(ctx context.Context, actionID uint, caseUUID string, runAt time.Time) error
}

// Scheduler runs the periodic scans over cases and events.
type Scheduler struct {
	cases    repository.CaseRepository
	actions  repository.ActionRepository
	events   repository.EventRepository
	settings repository.SettingRepository
	engine   *caseengine.Service
	jobs     Enqueuer

	now func() time.Time
}

// New creates a scheduler.
func New(
	cases repository.CaseRepository,
	actions repository.ActionRepository,
	events repository.EventRepository,
	settings repository.SettingRepository,
	engine *caseengine.Service,
	jobs Enqueuer,
) *Scheduler {
	return &Scheduler{
		cases:    cases,
		actions:  actions,
		events:   events,
		settings: settings,
		engine:   engine,
		jobs:     jobs,
		now:      time.Now,
	}
}

// RunDueScan schedules the next due timeline step for every open case. At
// most one step per case per scan; the per-(case, offset) action row is the
// idempotency guard, so overlapping or repeated scans never double-schedule.
func (s *Scheduler) RunDueScan(ctx context.Context) error {
	now := s.now().UTC()

	settings, err := s.settings.Get()
	if err != nil {
		return err
	}
	offsets := settings.TimelineOffsetHours

	cases, err := s.cases.ListOpen(ctx, scanBatchSize)
	if err != nil {
		return err
	}

	scheduled := 0
	for i := range cases {
		c := &cases[i]
		for _, offsetHours := range offsets {
			due := c.FirstFailureAt.Add(time.Duration(offsetHours) * time.Hour)
			if due.After(now) {
				// Offsets are ascending, nothing later is due either.
				break
			}
			exists, err := s.actions.ExistsForOffset(ctx, c.ID, offsetHours)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			if err := s.engine.ScheduleTimelineStep(ctx, c, offsetHours, now); err != nil {
				log.Errorf("[Scheduler] Failed to schedule T+%dh for case %s: %v", offsetHours, c.UUID, err)
				break
			}
			scheduled++
			break
		}
	}

	if scheduled > 0 {
		log.Infof("[Scheduler] Due scan scheduled %d timeline steps", scheduled)
	}
	return nil
}

// RunExpiryScan closes open cases whose final timeline step plus grace
// period has passed without a recovery.
func (s *Scheduler) RunExpiryScan(ctx context.Context) error {
	now := s.now().UTC()

	settings, err := s.settings.Get()
	if err != nil {
		return err
	}
	offsets := settings.TimelineOffsetHours
	if len(offsets) == 0 {
		return nil
	}
	finalOffset := time.Duration(offsets[len(offsets)-1]) * time.Hour
	cutoff := now.Add(-(finalOffset + settings.GetGracePeriod()))

	expired, err := s.cases.ListOpenFirstFailedBefore(ctx, cutoff, scanBatchSize)
	if err != nil {
		return err
	}

	closed := 0
	for i := range expired {
		c := &expired[i]
		if err := s.engine.CloseExpired(ctx, c); err != nil {
			log.Errorf("[Scheduler] Failed to close expired case %s: %v", c.UUID, err)
			continue
		}
		closed++

		if settings.CancelMembershipOnExpiry {
			if err := s.scheduleMembershipCancel(ctx, c, now); err != nil {
				log.Errorf("[Scheduler] Failed to schedule membership cancel for case %s: %v", c.UUID, err)
			}
		}
	}

	if closed > 0 {
		log.Infof("[Scheduler] Expiry scan closed %d cases", closed)
	}
	return nil
}

// scheduleMembershipCancel runs after the terminal transition, so it is not
// swept up by the close's pending-work cancellation.
func (s *Scheduler) scheduleMembershipCancel(ctx context.Context, c *models.RecoveryCase, now time.Time) error {
	action := &models.RecoveryAction{
		CaseID:      c.ID,
		Type:        models.ActionTypeCancelMembership,
		Channel:     models.ActionChannelNone,
		ScheduledAt: now,
		Outcome:     models.ActionOutcomePending,
	}
	if err := s.actions.Create(ctx, action); err != nil {
		return err
	}
	return s.jobs.EnqueueExecuteAction(ctx, action.ID, c.UUID, now)
}

// RunRepairScan re-enqueues processing for stored events that never got
// their effect applied, typically because the enqueue after ingest failed.
// The process_event handler is idempotent, so enqueuing an event whose job
// is merely slow is harmless.
func (s *Scheduler) RunRepairScan(ctx context.Context) error {
	now := s.now().UTC()

	stale, err := s.events.ListUnprocessedBefore(ctx, now.Add(-repairLag), scanBatchSize)
	if err != nil {
		return err
	}

	requeued := 0
	for _, ev := range stale {
		if err := s.jobs.EnqueueProcessEvent(ctx, ev.ID); err != nil {
			log.Errorf("[Scheduler] Failed to re-enqueue event %d: %v", ev.ID, err)
			continue
		}
		requeued++
	}

	if requeued > 0 {
		log.Warnf("[Scheduler] Repair scan re-enqueued %d unprocessed events", requeued)
	}
	return nil
}
