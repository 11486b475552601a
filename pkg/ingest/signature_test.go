package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVerifyAcceptsValidSignature(t *testing.T) {
	v := NewVerifier("whsec_test", 0)
	body := []byte(`{"id":"evt_1"}`)

	assert.NoError(t, v.Verify(body, Sign(body, "whsec_test")))
}

func TestVerifyAcceptsPrefixedSignature(t *testing.T) {
	v := NewVerifier("whsec_test", 0)
	body := []byte(`{"id":"evt_1"}`)

	assert.NoError(t, v.Verify(body, "sha256="+Sign(body, "whsec_test")))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	v := NewVerifier("whsec_test", 0)
	body := []byte(`{"id":"evt_1"}`)

	err := v.Verify(body, Sign(body, "whsec_other"))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	v := NewVerifier("whsec_test", 0)
	sig := Sign([]byte(`{"id":"evt_1"}`), "whsec_test")

	err := v.Verify([]byte(`{"id":"evt_2"}`), sig)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRejectsEmptySignature(t *testing.T) {
	v := NewVerifier("whsec_test", 0)

	err := v.Verify([]byte(`{}`), "")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestFreshness(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	v := NewVerifier("whsec_test", 5*time.Minute)
	v.SetNow(func() time.Time { return now })

	assert.NoError(t, v.Fresh(now.Add(-4*time.Minute)))
	assert.NoError(t, v.Fresh(now))

	err := v.Fresh(now.Add(-6 * time.Minute))
	assert.ErrorIs(t, err, ErrStaleSignature)
}
