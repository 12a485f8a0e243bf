package repository

import (
	"context"
	"time"

	"github.com/recoverly-app/recoverly/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// eventRepository implements the EventRepository interface
type eventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates a new event repository instance
func NewEventRepository(db *gorm.DB) EventRepository {
	return &eventRepository{db: db}
}

// CreateIfNotExists inserts the event unless one with the same (provider,
// provider_event_id) already exists. The bool reports whether the row was
// created; the returned event is the stored row either way.
func (r *eventRepository) CreateIfNotExists(ctx context.Context, event *models.Event) (bool, *models.Event, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.Event
	if err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *eventRepository) GetByID(ctx context.Context, id uint) (*models.Event, error) {
	var event models.Event
	if err := r.db.WithContext(ctx).First(&event, id).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

// MarkProcessed stamps the event once case-engine handling finished. An
// empty processingError means handling succeeded.
func (r *eventRepository) MarkProcessed(ctx context.Context, id uint, processingError string) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.WithContext(ctx).Model(&models.Event{}).Where("id = ?", id).Updates(updates).Error
}

// RecordError stores the latest handling failure without stamping the event
// processed, so the repair scan and job retries still see it as open work.
func (r *eventRepository) RecordError(ctx context.Context, id uint, processingError string) error {
	return r.db.WithContext(ctx).Model(&models.Event{}).
		Where("id = ?", id).
		Update("processing_error", processingError).Error
}

// ListUnprocessedBefore returns events that never completed case-engine
// handling, oldest first, so the repair scan can re-enqueue them.
func (r *eventRepository) ListUnprocessedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Event, error) {
	var events []models.Event
	err := r.db.WithContext(ctx).
		Where("processed_at IS NULL AND created_at < ?", cutoff).
		Order("created_at asc").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// ListProcessedBefore returns processed events older than the retention
// cutoff, oldest first, for the archival sweep.
func (r *eventRepository) ListProcessedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Event, error) {
	var events []models.Event
	err := r.db.WithContext(ctx).
		Where("processed_at IS NOT NULL AND created_at < ?", cutoff).
		Order("created_at asc").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *eventRepository) DeleteByIDs(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.Event{}).Error
}
