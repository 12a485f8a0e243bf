package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/recoverly-app/recoverly/app/models"
	"github.com/recoverly-app/recoverly/app/repository"
	"github.com/recoverly-app/recoverly/internal/pkg/archive"
	"github.com/recoverly-app/recoverly/internal/pkg/caseengine"
)

const retentionBatchSize = 500

// RegisterHandlers wires the domain handlers into the registry. This is the
// single place where job types meet the code that runs them.
func RegisterHandlers(registry *Registry, engine *caseengine.Service, repos *repository.Repositories, archiver *archive.Client) {
	registry.Register(JobTypeProcessEvent, processEventHandler(engine))
	registry.Register(JobTypeExecuteAction, executeActionHandler(engine))
	registry.RegisterDeadLetterHook(JobTypeExecuteAction, executeActionDeadLetterHook(engine))
	registry.Register(JobTypeRetentionSweep, retentionSweepHandler(repos, archiver))
}

func processEventHandler(engine *caseengine.Service) Handler {
	return func(ctx context.Context, job *models.Job) error {
		var payload ProcessEventPayload
		if err := DecodePayload(job, &payload); err != nil {
			return err
		}
		return engine.ProcessEvent(ctx, payload.EventID)
	}
}

func executeActionHandler(engine *caseengine.Service) Handler {
	return func(ctx context.Context, job *models.Job) error {
		var payload ExecuteActionPayload
		if err := DecodePayload(job, &payload); err != nil {
			return err
		}
		return engine.ExecuteAction(ctx, payload.ActionID)
	}
}

// executeActionDeadLetterHook finalizes the action row once its job has
// burned through the retry budget, so the case history shows the failure.
func executeActionDeadLetterHook(engine *caseengine.Service) DeadLetterHook {
	return func(ctx context.Context, job *models.Job) {
		var payload ExecuteActionPayload
		if err := DecodePayload(job, &payload); err != nil {
			log.Errorf("[JobQueue] Dead-letter hook: %v", err)
			return
		}
		if err := engine.FailAction(ctx, payload.ActionID); err != nil {
			log.Errorf("[JobQueue] Failed to mark action %d failed: %v", payload.ActionID, err)
		}
	}
}

// retentionSweepHandler archives and deletes processed events older than the
// retention window, plus stale dead-letter jobs. With no archive configured
// rows are deleted without a copy; retention is about bounding table growth,
// the archive is the optional paper trail.
func retentionSweepHandler(repos *repository.Repositories, archiver *archive.Client) Handler {
	return func(ctx context.Context, job *models.Job) error {
		var payload RetentionSweepPayload
		if err := DecodePayload(job, &payload); err != nil {
			return err
		}
		batchSize := payload.BatchSize
		if batchSize <= 0 {
			batchSize = retentionBatchSize
		}

		settings, err := repos.Setting.Get()
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		cutoff := time.Now().UTC().Add(-settings.GetEventRetention())

		removedEvents, err := sweepEvents(ctx, repos.Event, archiver, cutoff, batchSize)
		if err != nil {
			return err
		}
		removedJobs, err := sweepDeadLetters(ctx, repos.Job, archiver, cutoff, batchSize)
		if err != nil {
			return err
		}

		log.Infof("[JobQueue] Retention sweep removed %d events, %d dead-letter jobs (cutoff %s)",
			removedEvents, removedJobs, cutoff.Format("2006-01-02"))
		return nil
	}
}

func sweepEvents(ctx context.Context, events repository.EventRepository, archiver *archive.Client, cutoff time.Time, batchSize int) (int, error) {
	removed := 0
	for {
		batch, err := events.ListProcessedBefore(ctx, cutoff, batchSize)
		if err != nil {
			return removed, fmt.Errorf("list expired events: %w", err)
		}
		if len(batch) == 0 {
			return removed, nil
		}

		if archiver.Enabled() {
			key := fmt.Sprintf("events/%s/%s.json", cutoff.Format("2006/01/02"), uuid.New().String())
			if err := archiver.PutJSON(ctx, key, batch); err != nil {
				return removed, fmt.Errorf("archive events batch: %w", err)
			}
		}

		ids := make([]uint, 0, len(batch))
		for _, ev := range batch {
			ids = append(ids, ev.ID)
		}
		if err := events.DeleteByIDs(ctx, ids); err != nil {
			return removed, fmt.Errorf("delete expired events: %w", err)
		}
		removed += len(ids)

		if len(batch) < batchSize {
			return removed, nil
		}
	}
}

func sweepDeadLetters(ctx context.Context, jobs repository.JobRepository, archiver *archive.Client, cutoff time.Time, batchSize int) (int, error) {
	removed := 0
	for {
		batch, err := jobs.ListDeadLettersBefore(ctx, cutoff, batchSize)
		if err != nil {
			return removed, fmt.Errorf("list stale dead letters: %w", err)
		}
		if len(batch) == 0 {
			return removed, nil
		}

		if archiver.Enabled() {
			key := fmt.Sprintf("dead-letters/%s/%s.json", cutoff.Format("2006/01/02"), uuid.New().String())
			if err := archiver.PutJSON(ctx, key, batch); err != nil {
				return removed, fmt.Errorf("archive dead-letter batch: %w", err)
			}
		}

		ids := make([]uint, 0, len(batch))
		for _, j := range batch {
			ids = append(ids, j.ID)
		}
		if err := jobs.DeleteByIDs(ctx, ids); err != nil {
			return removed, fmt.Errorf("delete stale dead letters: %w", err)
		}
		removed += len(ids)

		if len(batch) < batchSize {
			return removed, nil
		}
	}
}
