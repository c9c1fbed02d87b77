package webhook

import (
	"crypto/subtle"
	"net/http"
)

const (
	// SecretHeader carries the shared webhook secret, when one is configured.
	SecretHeader = "X-Webhook-Secret"

	// SignatureHeader is set by some senders; it is recorded on event-log
	// entries for audit but never verified.
	SignatureHeader = "X-SIGNATURE"
)

// VerifySecret checks the shared-secret header against the configured
// secret using a timing-safe comparison. An empty configured secret
// disables the check.
func VerifySecret(r *http.Request, secret string) bool {
	if secret == "" {
		return true
	}
	provided := r.Header.Get(SecretHeader)
	return subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) == 1
}
