// Package billingapi is the outbound client for the billing provider's
// management API. All calls go through the retry executor with the
// "billing-api" circuit breaker.
package billingapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/recoverly-app/recoverly/internal/pkg/env"
	"github.com/recoverly-app/recoverly/internal/pkg/retryer"
)

// DownstreamName identifies the billing API to the circuit breaker registry.
const DownstreamName = "billing-api"

type Client struct {
	APIBaseURL string
	APIKey     string

	HTTPClient *http.Client
	policy     retryer.Policy
}

// PaymentStatus is the provider's view of a membership's payment state.
type PaymentStatus struct {
	MembershipID string `json:"membership_id"`
	Status       string `json:"status"`
	LastPaidAt   string `json:"last_paid_at"`
}

// MemberProfile is the provider-side member record behind a membership.
type MemberProfile struct {
	MembershipID string `json:"membership_id"`
	UserID       string `json:"user_id"`
	Email        string `json:"email"`
	DisplayName  string `json:"display_name"`
	Tier         string `json:"tier"`
}

// NewClientFromEnv builds the client from BILLING_API_* environment
// variables.
func NewClientFromEnv() *Client {
	return &Client{
		APIBaseURL: strings.TrimRight(env.GetEnv("BILLING_API_BASE_URL", ""), "/"),
		APIKey:     strings.TrimSpace(env.GetEnv("BILLING_API_KEY", "")),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		policy: retryer.DefaultPolicy(),
	}
}

// CancelMembership asks the provider to cancel a membership. The provider
// treats cancellation idempotently, so a retried call after an ambiguous
// failure is safe.
func (c *Client) CancelMembership(ctx context.Context, membershipID string) error {
	result := retryer.Execute(ctx, DownstreamName, c.policy, func(ctx context.Context) error {
		return c.post(ctx, fmt.Sprintf("/memberships/%s/cancel", membershipID), nil, nil)
	})
	return result.Err
}

// GetPaymentStatus fetches the provider-side payment state of a membership.
func (c *Client) GetPaymentStatus(ctx context.Context, membershipID string) (*PaymentStatus, error) {
	var status PaymentStatus
	result := retryer.Execute(ctx, DownstreamName, c.policy, func(ctx context.Context) error {
		return c.get(ctx, fmt.Sprintf("/memberships/%s/payment", membershipID), &status)
	})
	if result.Err != nil {
		return nil, result.Err
	}
	return &status, nil
}

// GetMemberProfile fetches the member record behind a membership, used by
// operators to look up contact details on stuck cases.
func (c *Client) GetMemberProfile(ctx context.Context, membershipID string) (*MemberProfile, error) {
	var profile MemberProfile
	result := retryer.Execute(ctx, DownstreamName, c.policy, func(ctx context.Context) error {
		return c.get(ctx, fmt.Sprintf("/memberships/%s/member", membershipID), &profile)
	})
	if result.Err != nil {
		return nil, result.Err
	}
	return &profile, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	if c.APIBaseURL == "" {
		return retryer.Permanent(fmt.Errorf("BILLING_API_BASE_URL is not configured"))
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return retryer.Permanent(fmt.Errorf("marshal request body: %w", err))
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.APIBaseURL+path, reqBody)
	if err != nil {
		return retryer.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, method, path); err != nil {
		return err
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response of %s %s: %w", method, path, err)
		}
	}
	return nil
}

// classifyStatus maps HTTP status codes to retryable vs permanent errors.
// Client errors will not heal on retry, except timeouts and throttling.
func classifyStatus(status int, method, path string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return fmt.Errorf("%s %s: status %d", method, path, status)
	case status >= 400 && status < 500:
		return retryer.Permanent(fmt.Errorf("%s %s: status %d", method, path, status))
	default:
		return fmt.Errorf("%s %s: status %d", method, path, status)
	}
}
