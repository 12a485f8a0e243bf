// Package notifier delivers member-facing messages through the platform's
// notification gateway. Delivery is at-least-once; duplicate suppression on
// the gateway side keys off the idempotency header.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/recoverly-app/recoverly/internal/pkg/env"
	"github.com/recoverly-app/recoverly/internal/pkg/retryer"
)

// DownstreamName identifies the gateway to the circuit breaker registry.
const DownstreamName = "notifier"

const (
	channelPush = "push"
	channelDM   = "dm"
)

type Client struct {
	GatewayURL string
	APIKey     string

	HTTPClient *http.Client
	policy     retryer.Policy
}

type message struct {
	UserID  string `json:"user_id"`
	Channel string `json:"channel"`
	Body    string `json:"body"`
}

// NewClientFromEnv builds the client from NOTIFY_GATEWAY_* environment
// variables.
func NewClientFromEnv() *Client {
	return &Client{
		GatewayURL: strings.TrimRight(env.GetEnv("NOTIFY_GATEWAY_URL", ""), "/"),
		APIKey:     strings.TrimSpace(env.GetEnv("NOTIFY_GATEWAY_API_KEY", "")),
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		policy: retryer.DefaultPolicy(),
	}
}

// SendPush sends an in-app push notification.
func (c *Client) SendPush(ctx context.Context, userID, body string) error {
	return c.send(ctx, message{UserID: userID, Channel: channelPush, Body: body})
}

// SendDirectMessage sends a direct message to the member.
func (c *Client) SendDirectMessage(ctx context.Context, userID, body string) error {
	return c.send(ctx, message{UserID: userID, Channel: channelDM, Body: body})
}

func (c *Client) send(ctx context.Context, msg message) error {
	if c.GatewayURL == "" {
		return retryer.Permanent(fmt.Errorf("NOTIFY_GATEWAY_URL is not configured"))
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return retryer.Permanent(fmt.Errorf("marshal notification: %w", err))
	}
	// One key for the whole retry loop, so gateway-side dedup sees the
	// retries as the same delivery.
	idempotencyKey := uuid.New().String()

	result := retryer.Execute(ctx, DownstreamName, c.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.GatewayURL+"/v1/notifications", bytes.NewReader(data))
		if err != nil {
			return retryer.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", idempotencyKey)

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return fmt.Errorf("send %s notification: %w", msg.Channel, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("send %s notification: status %d", msg.Channel, resp.StatusCode)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return retryer.Permanent(fmt.Errorf("send %s notification: status %d", msg.Channel, resp.StatusCode))
		default:
			return fmt.Errorf("send %s notification: status %d", msg.Channel, resp.StatusCode)
		}
	})
	return result.Err
}
