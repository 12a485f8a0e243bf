package billingapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/recoverly-app/recoverly/internal/pkg/retryer"
)

func testPolicy() retryer.Policy {
	return retryer.Policy{
		MaxRetries:        2,
		BaseDelay:         time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2.0,
		UseCircuitBreaker: false,
	}
}

func newTestClient(baseURL string) *Client {
	return &Client{
		APIBaseURL: baseURL,
		APIKey:     "test-key",
		HTTPClient: &http.Client{Timeout: time.Second},
		policy:     testPolicy(),
	}
}

func TestCancelMembership(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	if err := client.CancelMembership(context.Background(), "mem_1"); err != nil {
		t.Fatalf("CancelMembership() error = %v", err)
	}
	if gotPath != "/memberships/mem_1/cancel" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("authorization = %q", gotAuth)
	}
}

func TestCancelMembershipRetriesServerErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	if err := client.CancelMembership(context.Background(), "mem_1"); err != nil {
		t.Fatalf("CancelMembership() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestCancelMembershipNotFoundIsPermanent(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	err := client.CancelMembership(context.Background(), "mem_gone")
	if err == nil || !retryer.IsPermanent(err) {
		t.Fatalf("CancelMembership() = %v, want permanent error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 404)", calls)
	}
}

func TestGetPaymentStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/memberships/mem_1/payment" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"membership_id":"mem_1","status":"past_due","last_paid_at":"2026-02-01T00:00:00Z"}`))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	status, err := client.GetPaymentStatus(context.Background(), "mem_1")
	if err != nil {
		t.Fatalf("GetPaymentStatus() error = %v", err)
	}
	if status.Status != "past_due" {
		t.Errorf("status = %q, want past_due", status.Status)
	}
}

func TestGetMemberProfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/memberships/mem_1/member" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"membership_id":"mem_1","user_id":"usr_1","email":"m@example.com","display_name":"M","tier":"gold"}`))
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	profile, err := client.GetMemberProfile(context.Background(), "mem_1")
	if err != nil {
		t.Fatalf("GetMemberProfile() error = %v", err)
	}
	if profile.UserID != "usr_1" || profile.Tier != "gold" {
		t.Errorf("profile = %+v", profile)
	}
}

func TestUnconfiguredBaseURLIsPermanent(t *testing.T) {
	client := &Client{HTTPClient: http.DefaultClient, policy: testPolicy()}

	err := client.CancelMembership(context.Background(), "mem_1")
	if err == nil || !retryer.IsPermanent(err) {
		t.Fatalf("CancelMembership() = %v, want permanent error", err)
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		wantErr   bool
		permanent bool
	}{
		{200, false, false},
		{204, false, false},
		{400, true, true},
		{401, true, true},
		{404, true, true},
		{408, true, false}, // timeout heals on retry
		{429, true, false}, // throttling heals on retry
		{500, true, false},
		{503, true, false},
	}

	for _, tt := range tests {
		err := classifyStatus(tt.status, http.MethodGet, "/x")
		if (err != nil) != tt.wantErr {
			t.Errorf("classifyStatus(%d) error = %v, wantErr %v", tt.status, err, tt.wantErr)
			continue
		}
		if err != nil && retryer.IsPermanent(err) != tt.permanent {
			t.Errorf("classifyStatus(%d) permanent = %v, want %v", tt.status, retryer.IsPermanent(err), tt.permanent)
		}
	}
}
