package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/recoverly-app/recoverly/app/models"
	"github.com/recoverly-app/recoverly/app/repository"
	"github.com/recoverly-app/recoverly/internal/pkg/metrics/counter"
)

// Provider identifies the billing provider in stored event rows.
const Provider = "billing"

var (
	// ErrInvalidSignature rejects a webhook before anything is stored.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformedPayload rejects a payload missing required fields.
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// Enqueuer hands accepted events to the job queue for processing outside the
// provider's request/retry cadence.
type Enqueuer interface {
	EnqueueProcessEvent(ctx context.Context, eventID uint) error
}

// IngestResult reports what one webhook delivery did.
type IngestResult struct {
	Duplicate bool
	EventID   uint
	Event     *models.Event
}

// Service is the webhook ingestion boundary: verify, parse, persist with
// dedup, then enqueue. Everything past the unique-index insert is safe to
// repeat under at-least-once delivery.
type Service struct {
	events repository.EventRepository
	jobs   Enqueuer
	secret string
}

// NewService creates an ingest service from an injected repository.
func NewService(events repository.EventRepository, jobs Enqueuer, secret string) *Service {
	return &Service{events: events, jobs: jobs, secret: secret}
}

// Ingest processes one raw webhook delivery. Signature and parse failures
// are surfaced to the caller (and thus the provider); the event is not
// stored in those cases.
func (s *Service) Ingest(ctx context.Context, raw []byte, signatureHeader string) (*IngestResult, error) {
	if !VerifySignature(raw, signatureHeader, s.secret) {
		return nil, ErrInvalidSignature
	}

	payload, err := ParseProviderEvent(raw)
	if err != nil {
		return nil, err
	}

	event := &models.Event{
		Provider:        Provider,
		ProviderEventID: payload.EventID,
		Type:            payload.Type,
		CompanyID:       payload.CompanyID,
		MembershipID:    payload.MembershipID,
		UserID:          payload.UserID,
		AmountCents:     payload.AmountCents,
		FailureReason:   payload.FailureReason,
		PayloadDigest:   PayloadDigest(raw),
		SignatureValid:  true,
		OccurredAt:      payload.OccurredAt.UTC(),
	}

	created, stored, err := s.events.CreateIfNotExists(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("persist event: %w", err)
	}
	if !created {
		counter.AddDuplicateEvent()
		return &IngestResult{Duplicate: true, EventID: stored.ID, Event: stored}, nil
	}
	counter.AddEventIngested()

	if err := s.jobs.EnqueueProcessEvent(ctx, stored.ID); err != nil {
		// The event row survives with processed_at NULL; the repair scan
		// re-enqueues it, so the provider does not need to redeliver.
		log.Errorf("[Ingest] Failed to enqueue event %d: %v", stored.ID, err)
	}

	return &IngestResult{EventID: stored.ID, Event: stored}, nil
}
