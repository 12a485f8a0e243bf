package models

import "time"

const (
	ActionTypeNudge            = "nudge"
	ActionTypeIncentiveGrant   = "incentive_grant"
	ActionTypeReminder         = "reminder"
	ActionTypeCancelMembership = "cancel_membership"
	ActionTypeTerminateCase    = "terminate_case"
)

const (
	ActionChannelPush = "push"
	ActionChannelDM   = "dm"
	ActionChannelNone = "none"
)

const (
	ActionOutcomePending = "pending"
	ActionOutcomeSuccess = "success"
	ActionOutcomeFailed  = "failed"
	ActionOutcomeSkipped = "skipped"
)

// RecoveryAction is one scheduled or executed step against a case. The
// (case_id, timeline_offset_hours) pair is what makes the scheduler
// idempotent: a timeline step that already has an action row is never
// scheduled a second time, regardless of crashes between scans.
type RecoveryAction struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	CaseID              uint       `gorm:"not null;index:idx_recovery_actions_case_offset,priority:1" json:"case_id"`
	Type                string     `gorm:"type:varchar(32);not null;index" json:"type"`
	Channel             string     `gorm:"type:varchar(16);not null;default:'none'" json:"channel"`
	TimelineOffsetHours int        `gorm:"not null;default:0;index:idx_recovery_actions_case_offset,priority:2" json:"timeline_offset_hours"`
	ScheduledAt         time.Time  `gorm:"type:timestamp;not null;index" json:"scheduled_at"`
	ExecutedAt          *time.Time `gorm:"type:timestamp;default:null" json:"executed_at,omitempty"`
	Outcome             string     `gorm:"type:varchar(16);not null;default:'pending';index" json:"outcome"`
	Metadata            string     `gorm:"type:text" json:"metadata"`
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsFinal reports whether the action can no longer execute. Failed actions
// are re-enqueued as fresh jobs by the retry policy, never mutated back to
// pending.
func (a *RecoveryAction) IsFinal() bool {
	return a.Outcome == ActionOutcomeSuccess || a.Outcome == ActionOutcomeSkipped
}
