package repository

import (
	"context"
	"time"

	"github.com/recoverly-app/recoverly/app/models"
	"gorm.io/gorm"
)

// EventRepository defines the interface for inbound provider event storage.
// CreateIfNotExists is the system's idempotency boundary: the (provider,
// provider_event_id) unique index makes re-delivery a no-op.
type EventRepository interface {
	CreateIfNotExists(ctx context.Context, event *models.Event) (bool, *models.Event, error)
	GetByID(ctx context.Context, id uint) (*models.Event, error)
	MarkProcessed(ctx context.Context, id uint, processingError string) error
	RecordError(ctx context.Context, id uint, processingError string) error
	ListUnprocessedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Event, error)
	ListProcessedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Event, error)
	DeleteByIDs(ctx context.Context, ids []uint) error
}

// CaseRepository defines the interface for recovery-case storage. All
// transition methods are conditional updates guarded by status = 'open' and
// report via their bool return whether the row actually moved, so callers
// can treat a lost race as the no-op it is.
type CaseRepository interface {
	CreateIfNoneOpen(ctx context.Context, c *models.RecoveryCase) (bool, *models.RecoveryCase, error)
	GetByID(ctx context.Context, id uint) (*models.RecoveryCase, error)
	GetByUUID(ctx context.Context, uuid string) (*models.RecoveryCase, error)
	FindOpenByMembership(ctx context.Context, membershipID string) (*models.RecoveryCase, error)
	AugmentOpenCase(ctx context.Context, id uint, eventID uint, now time.Time) (bool, error)
	GrantIncentiveOnce(ctx context.Context, id uint, days int) (bool, error)
	TransitionToRecovered(ctx context.Context, id uint, amountCents *int64, now time.Time) (bool, error)
	TransitionToClosed(ctx context.Context, id uint, reason string, now time.Time) (bool, error)
	TouchLastAction(ctx context.Context, id uint, now time.Time) error
	ListOpen(ctx context.Context, limit int) ([]models.RecoveryCase, error)
	ListOpenFirstFailedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.RecoveryCase, error)
}

// ActionRepository defines the interface for recovery-action storage.
type ActionRepository interface {
	Create(ctx context.Context, a *models.RecoveryAction) error
	GetByID(ctx context.Context, id uint) (*models.RecoveryAction, error)
	ExistsForOffset(ctx context.Context, caseID uint, offsetHours int) (bool, error)
	CancelPending(ctx context.Context, caseID uint, now time.Time) (int64, error)
	MarkExecuted(ctx context.Context, id uint, outcome string, now time.Time) error
	ListByCase(ctx context.Context, caseID uint) ([]models.RecoveryAction, error)
}

// JobRepository defines the interface for the durable job queue. ClaimBatch
// is the single atomic read-modify step that gives at-most-one-active-worker
// per job under concurrent pollers.
type JobRepository interface {
	Enqueue(ctx context.Context, job *models.Job) error
	GetByUUID(ctx context.Context, uuid string) (*models.Job, error)
	ClaimBatch(ctx context.Context, limit int, now time.Time) ([]models.Job, error)
	Complete(ctx context.Context, id uint, now time.Time) error
	RequeueWithBackoff(ctx context.Context, job *models.Job, nextRun time.Time, errMsg string) error
	DeadLetter(ctx context.Context, job *models.Job, errMsg string, now time.Time) error
	ReplayDeadLetter(ctx context.Context, uuid string, now time.Time) (*models.Job, error)
	CancelPendingByCorrelation(ctx context.Context, correlationID string, now time.Time) (int64, error)
	RequeueStuck(ctx context.Context, stuckSince time.Time, now time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
	CountPendingByType(ctx context.Context, jobType string) (int64, error)
	ListDeadLettersBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error)
	DeleteByIDs(ctx context.Context, ids []uint) error
}

// SettingRepository defines the interface for settings-related operations
type SettingRepository interface {
	Get() (*models.AppSettings, error)
	GetValue(key string) (string, error)
	SetValue(key, value string) error
}

// StatsRepository applies batched counter increments to daily stats rows.
type StatsRepository interface {
	IncrementDaily(ctx context.Context, date, column string, delta int64) error
	GetDaily(ctx context.Context, date string) (*models.DailyStats, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	Event   EventRepository
	Case    CaseRepository
	Action  ActionRepository
	Job     JobRepository
	Setting SettingRepository
	Stats   StatsRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Event:   NewEventRepository(db),
		Case:    NewCaseRepository(db),
		Action:  NewActionRepository(db),
		Job:     NewJobRepository(db),
		Setting: NewSettingRepository(db),
		Stats:   NewStatsRepository(db),
	}
}
