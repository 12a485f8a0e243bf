package models

import "time"

// DailyStats aggregates per-day throughput counters flushed from Redis.
type DailyStats struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	Date              string    `gorm:"type:varchar(10);not null;uniqueIndex" json:"date"` // YYYY-MM-DD (UTC)
	EventsIngested    int64     `gorm:"not null;default:0" json:"events_ingested"`
	DuplicateEvents   int64     `gorm:"not null;default:0" json:"duplicate_events"`
	JobsCompleted     int64     `gorm:"not null;default:0" json:"jobs_completed"`
	JobsDeadLettered  int64     `gorm:"not null;default:0" json:"jobs_dead_lettered"`
	NotificationsSent int64     `gorm:"not null;default:0" json:"notifications_sent"`
	CasesOpened       int64     `gorm:"not null;default:0" json:"cases_opened"`
	CasesRecovered    int64     `gorm:"not null;default:0" json:"cases_recovered"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
