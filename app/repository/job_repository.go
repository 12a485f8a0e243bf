package repository

import (
	"context"
	"errors"
	"time"

	"github.com/recoverly-app/recoverly/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrJobNotReplayable is returned when a replay targets a job that is not in
// the dead-letter state.
var ErrJobNotReplayable = errors.New("job is not in dead_letter state")

// jobRepository implements the JobRepository interface
type jobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new job repository instance
func NewJobRepository(db *gorm.DB) JobRepository {
	return &jobRepository{db: db}
}

func (r *jobRepository) Enqueue(ctx context.Context, job *models.Job) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *jobRepository) GetByUUID(ctx context.Context, uuid string) (*models.Job, error) {
	var job models.Job
	if err := r.db.WithContext(ctx).Where("uuid = ?", uuid).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// ClaimBatch atomically moves up to limit due pending jobs to processing and
// returns them, ordered by priority then scheduled_at. SELECT ... FOR UPDATE
// SKIP LOCKED inside one transaction keeps concurrent pollers from ever
// claiming the same row.
func (r *jobRepository) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]models.Job, error) {
	var claimed []models.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var jobs []models.Job
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND scheduled_at <= ?", models.JobStatusPending, now).
			Order("priority asc, scheduled_at asc").
			Limit(limit).
			Find(&jobs).Error; err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}

		ids := make([]uint, 0, len(jobs))
		for _, j := range jobs {
			ids = append(ids, j.ID)
		}
		if err := tx.Model(&models.Job{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"status":     models.JobStatusProcessing,
				"started_at": now,
				"updated_at": now,
			}).Error; err != nil {
			return err
		}

		for i := range jobs {
			jobs[i].MarkAsProcessing(now)
		}
		claimed = jobs
		return nil
	})
	return claimed, err
}

func (r *jobRepository) Complete(ctx context.Context, id uint, now time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       models.JobStatusCompleted,
			"completed_at": now,
			"last_error":   "",
			"updated_at":   now,
		}).Error
}

// RequeueWithBackoff returns a failed job to pending with its attempt
// counter bumped and the next run pushed out by the backoff delay.
func (r *jobRepository) RequeueWithBackoff(ctx context.Context, job *models.Job, nextRun time.Time, errMsg string) error {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"status":       models.JobStatusPending,
			"attempts":     gorm.Expr("attempts + 1"),
			"scheduled_at": nextRun,
			"started_at":   nil,
			"last_error":   errMsg,
			"updated_at":   now,
		}).Error
	if err == nil {
		job.MarkAsFailed(now, errMsg)
		job.Status = models.JobStatusPending
		job.ScheduledAt = nextRun
	}
	return err
}

// DeadLetter moves the job to its terminal failure state, preserving the
// payload for manual inspection and replay.
func (r *jobRepository) DeadLetter(ctx context.Context, job *models.Job, errMsg string, now time.Time) error {
	err := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"status":       models.JobStatusDeadLetter,
			"attempts":     gorm.Expr("attempts + 1"),
			"last_error":   errMsg,
			"completed_at": now,
			"updated_at":   now,
		}).Error
	if err == nil {
		job.MarkAsFailed(now, errMsg)
		job.MarkAsDeadLetter(now)
	}
	return err
}

// ReplayDeadLetter resets a dead-lettered job to a fresh pending run with a
// restored retry budget. Replays go through the same queue as everything
// else; nothing executes outside the worker path.
func (r *jobRepository) ReplayDeadLetter(ctx context.Context, uuid string, now time.Time) (*models.Job, error) {
	var job models.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("uuid = ?", uuid).First(&job).Error; err != nil {
			return err
		}
		if job.Status != models.JobStatusDeadLetter {
			return ErrJobNotReplayable
		}
		return tx.Model(&models.Job{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":       models.JobStatusPending,
				"attempts":     0,
				"scheduled_at": now,
				"started_at":   nil,
				"completed_at": nil,
				"last_error":   "",
				"updated_at":   now,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatusPending
	job.Attempts = 0
	job.ScheduledAt = now
	job.StartedAt = nil
	job.CompletedAt = nil
	job.LastError = ""
	return &job, nil
}

// CancelPendingByCorrelation completes all pending jobs tied to a case that
// reached a terminal state. Jobs already processing finish on their own; the
// handler's late-cancellation check keeps them from producing side effects.
func (r *jobRepository) CancelPendingByCorrelation(ctx context.Context, correlationID string, now time.Time) (int64, error) {
	tx := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("correlation_id = ? AND status = ?", correlationID, models.JobStatusPending).
		Updates(map[string]interface{}{
			"status":       models.JobStatusCompleted,
			"completed_at": now,
			"last_error":   "cancelled: case reached terminal state",
			"updated_at":   now,
		})
	return tx.RowsAffected, tx.Error
}

// RequeueStuck recovers jobs abandoned in processing by a crashed worker.
func (r *jobRepository) RequeueStuck(ctx context.Context, stuckSince time.Time, now time.Time) (int64, error) {
	tx := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("status = ? AND started_at < ?", models.JobStatusProcessing, stuckSince).
		Updates(map[string]interface{}{
			"status":       models.JobStatusPending,
			"scheduled_at": now,
			"started_at":   nil,
			"last_error":   "recovered by stuck sweeper",
			"updated_at":   now,
		})
	return tx.RowsAffected, tx.Error
}

func (r *jobRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&models.Job{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	result := make(map[string]int64, len(rows))
	for _, r := range rows {
		result[r.Status] = r.Count
	}
	return result, nil
}

func (r *jobRepository) CountPendingByType(ctx context.Context, jobType string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("type = ? AND status IN ?", jobType, []string{models.JobStatusPending, models.JobStatusProcessing}).
		Count(&count).Error
	return count, err
}

func (r *jobRepository) ListDeadLettersBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	var jobs []models.Job
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.JobStatusDeadLetter, cutoff).
		Order("updated_at asc").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

func (r *jobRepository) DeleteByIDs(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.Job{}).Error
}
