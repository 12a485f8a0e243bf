package models

import "time"

const (
	EventTypePaymentFailed         = "payment_failed"
	EventTypePaymentSucceeded      = "payment_succeeded"
	EventTypeMembershipActivated   = "membership_activated"
	EventTypeMembershipDeactivated = "membership_deactivated"
)

// Event stores one inbound provider notification with deduplication metadata
// for idempotent processing. Rows are append-only; only the retention sweep
// deletes them after the configured window.
type Event struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Provider        string     `gorm:"type:varchar(20);not null;index:ux_events_provider_event,unique,priority:1;index" json:"provider"`
	ProviderEventID string     `gorm:"type:varchar(191);not null;index:ux_events_provider_event,unique,priority:2" json:"provider_event_id"`
	Type            string     `gorm:"type:varchar(50);not null;index" json:"type"`
	CompanyID       uint       `gorm:"not null;default:0;index" json:"company_id"`
	MembershipID    string     `gorm:"type:varchar(191);not null;index" json:"membership_id"`
	UserID          string     `gorm:"type:varchar(191)" json:"user_id"`
	AmountCents     *int64     `gorm:"default:null" json:"amount_cents,omitempty"`
	FailureReason   string     `gorm:"type:varchar(255)" json:"failure_reason"`
	PayloadDigest   string     `gorm:"type:varchar(64);not null" json:"payload_digest"`
	SignatureValid  bool       `gorm:"default:false;index" json:"signature_valid"`
	OccurredAt      time.Time  `gorm:"type:timestamp;not null" json:"occurred_at"`
	ProcessedAt     *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	ProcessingError string     `gorm:"type:text" json:"processing_error"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsProcessed reports whether case-engine handling completed for this event.
func (e *Event) IsProcessed() bool {
	return e.ProcessedAt != nil && e.ProcessingError == ""
}
