package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"event_id":"evt_1"}`)
	secret := "whsec_test"

	tests := []struct {
		name   string
		header string
		secret string
		want   bool
	}{
		{name: "valid", header: sign(payload, secret), secret: secret, want: true},
		{name: "valid with prefix", header: "sha256=" + sign(payload, secret), secret: secret, want: true},
		{name: "valid uppercase prefix", header: "SHA256=" + sign(payload, secret), secret: secret, want: true},
		{name: "wrong secret", header: sign(payload, "other"), secret: secret, want: false},
		{name: "empty header", header: "", secret: secret, want: false},
		{name: "empty secret", header: sign(payload, secret), secret: "", want: false},
		{name: "not hex", header: "sha256=zzzz", secret: secret, want: false},
	}

	for _, tt := range tests {
		if got := VerifySignature(payload, tt.header, tt.secret); got != tt.want {
			t.Fatalf("%s: VerifySignature = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestVerifySignatureTamperedPayload(t *testing.T) {
	secret := "whsec_test"
	header := sign([]byte(`{"amount":100}`), secret)
	if VerifySignature([]byte(`{"amount":999}`), header, secret) {
		t.Fatal("tampered payload must not verify")
	}
}

func TestPayloadDigestStable(t *testing.T) {
	payload := []byte("hello")
	if PayloadDigest(payload) != PayloadDigest([]byte("hello")) {
		t.Fatal("digest must be deterministic")
	}
	if len(PayloadDigest(payload)) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(PayloadDigest(payload)))
	}
	if PayloadDigest(payload) == PayloadDigest([]byte("hello!")) {
		t.Fatal("different payloads must not share a digest")
	}
}
