package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifySignature checks the provider's HMAC-SHA256 webhook signature. The
// comparison is constant-time; a missing signature or secret never verifies.
func VerifySignature(payload []byte, signatureHeader, webhookSecret string) bool {
	sig := strings.TrimSpace(signatureHeader)
	secret := strings.TrimSpace(webhookSecret)
	if sig == "" || secret == "" {
		return false
	}

	// Providers commonly prefix the hex digest, e.g. "sha256=<hex>".
	sig = strings.TrimPrefix(strings.ToLower(sig), "sha256=")
	decodedSig, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), decodedSig)
}

// PayloadDigest returns the hex SHA-256 of the raw payload. Only the digest
// is persisted; raw payloads never reach the store.
func PayloadDigest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
