package models

import "time"

const (
	CaseStatusOpen             = "open"
	CaseStatusRecovered        = "recovered"
	CaseStatusClosedNoRecovery = "closed_no_recovery"
)

const (
	CaseCloseReasonDeactivated       = "membership_deactivated"
	CaseCloseReasonTimelineExhausted = "timeline_exhausted"
	CaseCloseReasonManual            = "manual_termination"
)

// RecoveryCase tracks one membership's failed-payment episode from first
// failure to a terminal state. Cases are never deleted, only transitioned.
//
// OpenMarker is 1 while the case is open and NULL once terminal. Together
// with the composite unique index on (membership_id, open_marker) this gives
// the "at most one open case per membership" guarantee on MySQL, which has
// no partial unique indexes: NULL values never collide in a unique index, so
// any number of terminal cases may share a membership while a second open
// row is rejected by the constraint.
type RecoveryCase struct {
	ID                   uint       `gorm:"primaryKey" json:"id"`
	UUID                 string     `gorm:"type:varchar(36);not null;uniqueIndex" json:"uuid"`
	CompanyID            uint       `gorm:"not null;index" json:"company_id"`
	MembershipID         string     `gorm:"type:varchar(191);not null;index:ux_recovery_cases_open_membership,unique,priority:1" json:"membership_id"`
	UserID               string     `gorm:"type:varchar(191);not null;index" json:"user_id"`
	Status               string     `gorm:"type:varchar(32);not null;default:'open';index" json:"status"`
	OpenMarker           *uint8     `gorm:"index:ux_recovery_cases_open_membership,unique,priority:2" json:"-"`
	FirstFailureAt       time.Time  `gorm:"type:timestamp;not null;index" json:"first_failure_at"`
	LastActionAt         *time.Time `gorm:"type:timestamp;default:null" json:"last_action_at,omitempty"`
	Attempts             int        `gorm:"not null;default:1" json:"attempts"`
	LastFailureEventID   uint       `gorm:"not null;default:0" json:"last_failure_event_id"`
	IncentiveDaysGranted int        `gorm:"not null;default:0" json:"incentive_days_granted"`
	RecoveredAmountCents *int64     `gorm:"default:null" json:"recovered_amount_cents,omitempty"`
	FailureReason        string     `gorm:"type:varchar(255)" json:"failure_reason"`
	CloseReason          string     `gorm:"type:varchar(64)" json:"close_reason"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether the case reached a final state.
func (c *RecoveryCase) IsTerminal() bool {
	return c.Status == CaseStatusRecovered || c.Status == CaseStatusClosedNoRecovery
}

// OpenMarkerValue is the marker stored on open rows.
func OpenMarkerValue() *uint8 {
	v := uint8(1)
	return &v
}
