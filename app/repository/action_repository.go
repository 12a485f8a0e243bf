package repository

import (
	"context"
	"time"

	"github.com/recoverly-app/recoverly/app/models"
	"gorm.io/gorm"
)

// actionRepository implements the ActionRepository interface
type actionRepository struct {
	db *gorm.DB
}

// NewActionRepository creates a new recovery-action repository instance
func NewActionRepository(db *gorm.DB) ActionRepository {
	return &actionRepository{db: db}
}

func (r *actionRepository) Create(ctx context.Context, a *models.RecoveryAction) error {
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *actionRepository) GetByID(ctx context.Context, id uint) (*models.RecoveryAction, error) {
	var a models.RecoveryAction
	if err := r.db.WithContext(ctx).First(&a, id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// ExistsForOffset reports whether a timeline step was already scheduled for
// the case, which is what keeps the scheduler idempotent per (case, offset).
func (r *actionRepository) ExistsForOffset(ctx context.Context, caseID uint, offsetHours int) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.RecoveryAction{}).
		Where("case_id = ? AND timeline_offset_hours = ? AND type IN ?",
			caseID, offsetHours, []string{models.ActionTypeNudge, models.ActionTypeReminder}).
		Count(&count).Error
	return count > 0, err
}

// CancelPending marks all still-pending actions of a case as skipped. An
// action already being executed is left alone; its handler re-checks case
// status before producing side effects.
func (r *actionRepository) CancelPending(ctx context.Context, caseID uint, now time.Time) (int64, error) {
	tx := r.db.WithContext(ctx).Model(&models.RecoveryAction{}).
		Where("case_id = ? AND outcome = ?", caseID, models.ActionOutcomePending).
		Updates(map[string]interface{}{
			"outcome":    models.ActionOutcomeSkipped,
			"updated_at": now,
		})
	return tx.RowsAffected, tx.Error
}

// MarkExecuted finalizes one execution attempt. success and skipped outcomes
// never reopen; pending and failed actions can settle, which lets a replayed
// dead-letter job turn its failed action into a success.
func (r *actionRepository) MarkExecuted(ctx context.Context, id uint, outcome string, now time.Time) error {
	return r.db.WithContext(ctx).Model(&models.RecoveryAction{}).
		Where("id = ? AND outcome IN ?", id,
			[]string{models.ActionOutcomePending, models.ActionOutcomeFailed}).
		Updates(map[string]interface{}{
			"outcome":     outcome,
			"executed_at": now,
			"updated_at":  now,
		}).Error
}

func (r *actionRepository) ListByCase(ctx context.Context, caseID uint) ([]models.RecoveryAction, error) {
	var actions []models.RecoveryAction
	err := r.db.WithContext(ctx).
		Where("case_id = ?", caseID).
		Order("scheduled_at asc").
		Find(&actions).Error
	return actions, err
}
