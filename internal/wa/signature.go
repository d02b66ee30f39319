package wa

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// SignatureHeader carries the HMAC of the raw webhook body.
	SignatureHeader = "X-Hub-Signature-256"

	signaturePrefix = "sha256="
)

// Sign returns the header value Meta sends for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether header authenticates body. An empty secret
// disables verification; a missing header or body never verifies otherwise.
func VerifySignature(secret, header string, body []byte) bool {
	if secret == "" {
		return true
	}
	header = strings.TrimSpace(header)
	if header == "" || len(body) == 0 {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}
