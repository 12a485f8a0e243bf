package models

import "time"

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusDeadLetter = "dead_letter"
)

const (
	JobPriorityHigh    = 1
	JobPriorityDefault = 5
	JobPriorityLow     = 9
)

// Job is a durable queue entry wrapping one unit of work. Claiming is done
// with a row-locking update (see repository.JobRepository.ClaimBatch) so two
// workers never hold the same job. Terminal states are completed and
// dead_letter; dead-lettered jobs keep their payload for manual replay.
type Job struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	UUID          string     `gorm:"type:varchar(36);not null;uniqueIndex" json:"uuid"`
	Type          string     `gorm:"type:varchar(50);not null;index" json:"type"`
	Payload       string     `gorm:"type:text;not null" json:"payload"`
	Priority      int        `gorm:"not null;default:5;index:idx_jobs_claim,priority:2" json:"priority"`
	Status        string     `gorm:"type:varchar(16);not null;default:'pending';index:idx_jobs_claim,priority:1" json:"status"`
	CorrelationID string     `gorm:"type:varchar(36);index" json:"correlation_id"`
	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts   int        `gorm:"not null;default:5" json:"max_attempts"`
	ScheduledAt   time.Time  `gorm:"type:timestamp;not null;index:idx_jobs_claim,priority:3" json:"scheduled_at"`
	StartedAt     *time.Time `gorm:"type:timestamp;default:null" json:"started_at,omitempty"`
	CompletedAt   *time.Time `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
	LastError     string     `gorm:"type:text" json:"last_error"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether the job reached a final state.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusDeadLetter
}

// RetryBudgetLeft reports whether another attempt is allowed by the budget.
func (j *Job) RetryBudgetLeft() bool {
	return j.Attempts < j.MaxAttempts
}

// MarkAsProcessing records the claim time.
func (j *Job) MarkAsProcessing(now time.Time) {
	j.Status = JobStatusProcessing
	j.StartedAt = &now
	j.UpdatedAt = now
}

// MarkAsCompleted finalizes a successful run.
func (j *Job) MarkAsCompleted(now time.Time) {
	j.Status = JobStatusCompleted
	j.CompletedAt = &now
	j.UpdatedAt = now
	j.LastError = ""
}

// MarkAsFailed records a failed attempt without deciding retry vs dead-letter.
func (j *Job) MarkAsFailed(now time.Time, errMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = now
	j.LastError = errMsg
	j.Attempts++
}

// MarkAsDeadLetter moves the job to its terminal failure state.
func (j *Job) MarkAsDeadLetter(now time.Time) {
	j.Status = JobStatusDeadLetter
	j.CompletedAt = &now
	j.UpdatedAt = now
}
