package models

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// Setting represents a system setting
type Setting struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Key       string    `gorm:"column:setting_key;size:255;not null;uniqueIndex" json:"key" validate:"required,min=1,max=255"`
	Value     string    `gorm:"type:text" json:"value"`
	Type      string    `gorm:"size:50;not null" json:"type" validate:"required"` // string, boolean, integer, float
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppSettings holds the runtime-tunable recovery knobs loaded from the
// settings table. Timeline offsets are hours after first failure.
type AppSettings struct {
	TimelineOffsetHours      []int `json:"timeline_offset_hours" validate:"required,min=1"`
	GracePeriodHours         int   `json:"grace_period_hours" validate:"min=0"`
	IncentiveDays            int   `json:"incentive_days" validate:"min=0"`
	WorkerCount              int   `json:"worker_count" validate:"min=1,max=64"`
	JobMaxAttempts           int   `json:"job_max_attempts" validate:"min=1,max=20"`
	EventRetentionDays       int   `json:"event_retention_days" validate:"min=1"`
	CancelMembershipOnExpiry bool  `json:"cancel_membership_on_expiry"`
}

// Global settings instance
var (
	appSettings *AppSettings
	settingsMu  sync.RWMutex
)

// GetAppSettings returns the current application settings
func GetAppSettings() *AppSettings {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return appSettings
}

func defaultAppSettings() *AppSettings {
	return &AppSettings{
		TimelineOffsetHours:      []int{0, 48, 96},
		GracePeriodHours:         24,
		IncentiveDays:            3,
		WorkerCount:              5,
		JobMaxAttempts:           5,
		EventRetentionDays:       90,
		CancelMembershipOnExpiry: false,
	}
}

// LoadSettings loads settings from database into memory
func LoadSettings(db *gorm.DB) error {
	settingsMu.Lock()
	defer settingsMu.Unlock()

	appSettings = defaultAppSettings()

	var settings []Setting
	if err := db.Find(&settings).Error; err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	for _, setting := range settings {
		switch setting.Key {
		case "timeline_offset_hours":
			if offsets, err := parseOffsetList(setting.Value); err == nil && len(offsets) > 0 {
				appSettings.TimelineOffsetHours = offsets
			}
		case "grace_period_hours":
			if v, err := strconv.Atoi(setting.Value); err == nil {
				appSettings.GracePeriodHours = v
			}
		case "incentive_days":
			if v, err := strconv.Atoi(setting.Value); err == nil {
				appSettings.IncentiveDays = v
			}
		case "worker_count":
			if v, err := strconv.Atoi(setting.Value); err == nil {
				appSettings.WorkerCount = v
			}
		case "job_max_attempts":
			if v, err := strconv.Atoi(setting.Value); err == nil {
				appSettings.JobMaxAttempts = v
			}
		case "event_retention_days":
			if v, err := strconv.Atoi(setting.Value); err == nil {
				appSettings.EventRetentionDays = v
			}
		case "cancel_membership_on_expiry":
			appSettings.CancelMembershipOnExpiry = setting.Value == "true"
		}
	}

	return nil
}

// Validate validates the settings values
func (s *AppSettings) Validate() error {
	validate := validator.New()
	return validate.Struct(s)
}

// GetTimelineOffsets returns the configured offsets as durations, sorted as
// configured (the first entry is the T+0 nudge step).
func (s *AppSettings) GetTimelineOffsets() []time.Duration {
	offsets := make([]time.Duration, 0, len(s.TimelineOffsetHours))
	for _, h := range s.TimelineOffsetHours {
		offsets = append(offsets, time.Duration(h)*time.Hour)
	}
	return offsets
}

// GetGracePeriod returns the grace period after the final timeline offset.
func (s *AppSettings) GetGracePeriod() time.Duration {
	return time.Duration(s.GracePeriodHours) * time.Hour
}

// GetIncentiveDays returns the free days granted once per case.
func (s *AppSettings) GetIncentiveDays() int {
	return s.IncentiveDays
}

// GetWorkerCount returns the job queue worker pool size.
func (s *AppSettings) GetWorkerCount() int {
	return s.WorkerCount
}

// GetJobMaxAttempts returns the default retry budget for new jobs.
func (s *AppSettings) GetJobMaxAttempts() int {
	return s.JobMaxAttempts
}

// GetEventRetention returns how long processed events are kept.
func (s *AppSettings) GetEventRetention() time.Duration {
	return time.Duration(s.EventRetentionDays) * 24 * time.Hour
}

func parseOffsetList(value string) ([]int, error) {
	parts := strings.Split(value, ",")
	offsets := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid offset %q: %w", p, err)
		}
		offsets = append(offsets, v)
	}
	return offsets, nil
}
