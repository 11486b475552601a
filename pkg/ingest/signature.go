package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

var (
	// ErrInvalidSignature means the X-Signature header does not match the
	// body HMAC.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrStaleSignature means the event's embedded timestamp is older than
	// the freshness window, so it could be a replay.
	ErrStaleSignature = errors.New("stale webhook event")
)

// DefaultFreshnessWindow bounds replay risk for verified events.
const DefaultFreshnessWindow = 5 * time.Minute

// Verifier checks webhook authenticity and freshness. Verification is pure;
// it touches no storage.
type Verifier struct {
	secret []byte
	window time.Duration
	now    func() time.Time
}

// NewVerifier creates a verifier with the shared webhook secret. A zero
// window uses DefaultFreshnessWindow.
func NewVerifier(secret string, window time.Duration) *Verifier {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	return &Verifier{
		secret: []byte(secret),
		window: window,
		now:    time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (v *Verifier) SetNow(now func() time.Time) {
	v.now = now
}

// Verify recomputes the HMAC-SHA256 of the raw body and compares it to the
// signature header in constant time. A "sha256=" prefix on the header is
// accepted.
func (v *Verifier) Verify(body []byte, signature string) error {
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// Fresh rejects events whose embedded timestamp is outside the freshness
// window.
func (v *Verifier) Fresh(occurredAt time.Time) error {
	if v.now().Sub(occurredAt) > v.window {
		return ErrStaleSignature
	}
	return nil
}

// Sign produces the signature header value for a body. Used by tests and by
// outbound delivery tooling.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
