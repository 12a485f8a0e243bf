package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ProviderEvent is the typed shape of a billing-provider webhook payload.
type ProviderEvent struct {
	EventID       string    `json:"event_id" validate:"required"`
	Type          string    `json:"type" validate:"required,oneof=payment_failed payment_succeeded membership_activated membership_deactivated"`
	CompanyID     uint      `json:"company_id" validate:"required"`
	MembershipID  string    `json:"membership_id" validate:"required"`
	UserID        string    `json:"user_id"`
	AmountCents   *int64    `json:"amount_cents,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at" validate:"required"`
}

var validate = validator.New()

// ParseProviderEvent decodes and validates a raw webhook body. Any missing
// required field or unknown event type is ErrMalformedPayload.
func ParseProviderEvent(raw []byte) (*ProviderEvent, error) {
	var event ProviderEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := validate.Struct(&event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return &event, nil
}
