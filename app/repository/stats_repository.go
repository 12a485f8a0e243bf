package repository

import (
	"context"
	"fmt"

	"github.com/recoverly-app/recoverly/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// statsRepository implements the StatsRepository interface
type statsRepository struct {
	db *gorm.DB
}

// NewStatsRepository creates a new stats repository instance
func NewStatsRepository(db *gorm.DB) StatsRepository {
	return &statsRepository{db: db}
}

// allowed counter columns; anything else is a programming error
var statsColumns = map[string]bool{
	"events_ingested":    true,
	"duplicate_events":   true,
	"jobs_completed":     true,
	"jobs_dead_lettered": true,
	"notifications_sent": true,
	"cases_opened":       true,
	"cases_recovered":    true,
}

// IncrementDaily upserts the day's row and adds delta to one counter column.
func (r *statsRepository) IncrementDaily(ctx context.Context, date, column string, delta int64) error {
	if !statsColumns[column] {
		return fmt.Errorf("unknown stats column: %s", column)
	}
	row := models.DailyStats{Date: date}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&models.DailyStats{}).
		Where("date = ?", date).
		Update(column, gorm.Expr(column+" + ?", delta)).Error
}

func (r *statsRepository) GetDaily(ctx context.Context, date string) (*models.DailyStats, error) {
	var row models.DailyStats
	if err := r.db.WithContext(ctx).Where("date = ?", date).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}
