// Package jobqueue runs the durable background queue: jobs live in MySQL,
// workers claim them with locking reads, failures requeue with exponential
// backoff, and exhausted jobs land in the dead-letter state for replay.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/recoverly-app/recoverly/app/models"
)

const (
	JobTypeProcessEvent   = "process_event"
	JobTypeExecuteAction  = "execute_action"
	JobTypeRetentionSweep = "retention_sweep"
)

// DefaultMaxAttempts caps how often a job runs before dead-lettering.
const DefaultMaxAttempts = 5

// ProcessEventPayload carries the stored event a process_event job applies
// to the case state machine.
type ProcessEventPayload struct {
	EventID uint `json:"event_id"`
}

// ExecuteActionPayload carries the action an execute_action job performs.
type ExecuteActionPayload struct {
	ActionID uint `json:"action_id"`
}

// RetentionSweepPayload parameterizes one retention pass.
type RetentionSweepPayload struct {
	BatchSize int `json:"batch_size"`
}

// Handler executes one job. A nil return completes the job; a permanent
// error dead-letters it immediately; any other error consumes one attempt
// and requeues with backoff.
type Handler func(ctx context.Context, job *models.Job) error

// DeadLetterHook runs after a job moves to dead_letter, letting the owner of
// the payload finalize its domain state (e.g. marking an action failed).
type DeadLetterHook func(ctx context.Context, job *models.Job)

// Registry maps job types to their handlers.
type Registry struct {
	handlers map[string]Handler
	onDead   map[string]DeadLetterHook
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		onDead:   make(map[string]DeadLetterHook),
	}
}

// Register binds a handler to a job type, replacing any previous binding.
func (r *Registry) Register(jobType string, h Handler) {
	r.handlers[jobType] = h
}

// RegisterDeadLetterHook binds a hook invoked when a job of the type
// dead-letters.
func (r *Registry) RegisterDeadLetterHook(jobType string, hook DeadLetterHook) {
	r.onDead[jobType] = hook
}

// HandlerFor returns the handler for a job type.
func (r *Registry) HandlerFor(jobType string) (Handler, bool) {
	h, ok := r.handlers[jobType]
	return h, ok
}

func (r *Registry) deadLetterHookFor(jobType string) (DeadLetterHook, bool) {
	h, ok := r.onDead[jobType]
	return h, ok
}

// EncodePayload serializes a typed payload for storage on the job row.
func EncodePayload(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job payload: %w", err)
	}
	return string(data), nil
}

// DecodePayload deserializes a job's stored payload into the typed form.
func DecodePayload(job *models.Job, v interface{}) error {
	if err := json.Unmarshal([]byte(job.Payload), v); err != nil {
		return fmt.Errorf("failed to unmarshal payload of job %s: %w", job.UUID, err)
	}
	return nil
}
