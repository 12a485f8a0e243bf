package repository

import (
	"context"
	"time"

	"github.com/recoverly-app/recoverly/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// caseRepository implements the CaseRepository interface
type caseRepository struct {
	db *gorm.DB
}

// NewCaseRepository creates a new recovery-case repository instance
func NewCaseRepository(db *gorm.DB) CaseRepository {
	return &caseRepository{db: db}
}

// CreateIfNoneOpen atomically inserts an open case unless the membership
// already has one. The unique index on (membership_id, open_marker) decides
// the race; a conflict loser gets created=false plus the winner's row so it
// can attach to that case.
func (r *caseRepository) CreateIfNoneOpen(ctx context.Context, c *models.RecoveryCase) (bool, *models.RecoveryCase, error) {
	c.Status = models.CaseStatusOpen
	c.OpenMarker = models.OpenMarkerValue()

	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(c)
	if tx.Error != nil {
		return false, nil, tx.Error
	}
	created := tx.RowsAffected > 0

	var stored models.RecoveryCase
	if err := r.db.WithContext(ctx).
		Where("membership_id = ? AND status = ?", c.MembershipID, models.CaseStatusOpen).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *caseRepository) GetByID(ctx context.Context, id uint) (*models.RecoveryCase, error) {
	var c models.RecoveryCase
	if err := r.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *caseRepository) GetByUUID(ctx context.Context, uuid string) (*models.RecoveryCase, error) {
	var c models.RecoveryCase
	if err := r.db.WithContext(ctx).Where("uuid = ?", uuid).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *caseRepository) FindOpenByMembership(ctx context.Context, membershipID string) (*models.RecoveryCase, error) {
	var c models.RecoveryCase
	err := r.db.WithContext(ctx).
		Where("membership_id = ? AND status = ?", membershipID, models.CaseStatusOpen).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// AugmentOpenCase bumps the attempt counter for a repeated payment failure.
// The timeline stays anchored at first_failure_at on purpose: provider
// retries of the same underlying failure must not prolong the case. The
// last_failure_event_id guard makes the bump idempotent per event, so a
// redelivered job cannot count the same failure twice.
func (r *caseRepository) AugmentOpenCase(ctx context.Context, id uint, eventID uint, now time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.RecoveryCase{}).
		Where("id = ? AND status = ? AND last_failure_event_id <> ?", id, models.CaseStatusOpen, eventID).
		Updates(map[string]interface{}{
			"attempts":              gorm.Expr("attempts + 1"),
			"last_failure_event_id": eventID,
			"last_action_at":        now,
			"updated_at":            now,
		})
	return tx.RowsAffected > 0, tx.Error
}

// GrantIncentiveOnce is a compare-and-set: the grant only lands while the
// case is open and no incentive was granted yet, making it at-most-once per
// case no matter how often the step is retried.
func (r *caseRepository) GrantIncentiveOnce(ctx context.Context, id uint, days int) (bool, error) {
	if days <= 0 {
		return false, nil
	}
	tx := r.db.WithContext(ctx).Model(&models.RecoveryCase{}).
		Where("id = ? AND status = ? AND incentive_days_granted = 0", id, models.CaseStatusOpen).
		Update("incentive_days_granted", days)
	return tx.RowsAffected > 0, tx.Error
}

func (r *caseRepository) TransitionToRecovered(ctx context.Context, id uint, amountCents *int64, now time.Time) (bool, error) {
	updates := map[string]interface{}{
		"status":      models.CaseStatusRecovered,
		"open_marker": nil,
		"updated_at":  now,
	}
	if amountCents != nil {
		updates["recovered_amount_cents"] = *amountCents
	}
	tx := r.db.WithContext(ctx).Model(&models.RecoveryCase{}).
		Where("id = ? AND status = ?", id, models.CaseStatusOpen).
		Updates(updates)
	return tx.RowsAffected > 0, tx.Error
}

func (r *caseRepository) TransitionToClosed(ctx context.Context, id uint, reason string, now time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.RecoveryCase{}).
		Where("id = ? AND status = ?", id, models.CaseStatusOpen).
		Updates(map[string]interface{}{
			"status":       models.CaseStatusClosedNoRecovery,
			"open_marker":  nil,
			"close_reason": reason,
			"updated_at":   now,
		})
	return tx.RowsAffected > 0, tx.Error
}

func (r *caseRepository) TouchLastAction(ctx context.Context, id uint, now time.Time) error {
	return r.db.WithContext(ctx).Model(&models.RecoveryCase{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"last_action_at": now, "updated_at": now}).Error
}

func (r *caseRepository) ListOpen(ctx context.Context, limit int) ([]models.RecoveryCase, error) {
	var cases []models.RecoveryCase
	err := r.db.WithContext(ctx).
		Where("status = ?", models.CaseStatusOpen).
		Order("first_failure_at asc").
		Limit(limit).
		Find(&cases).Error
	return cases, err
}

func (r *caseRepository) ListOpenFirstFailedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.RecoveryCase, error) {
	var cases []models.RecoveryCase
	err := r.db.WithContext(ctx).
		Where("status = ? AND first_failure_at < ?", models.CaseStatusOpen, cutoff).
		Order("first_failure_at asc").
		Limit(limit).
		Find(&cases).Error
	return cases, err
}
