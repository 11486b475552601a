package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"

	"github.com/plateful/entitlements/pkg/ingest"
	"github.com/plateful/entitlements/pkg/observability"
)

type fakeIngestor struct {
	result ingest.Result
	err    error
	body   []byte
	sig    string
}

func (f *fakeIngestor) Ingest(_ context.Context, body []byte, signature string) (ingest.Result, error) {
	f.body = body
	f.sig = signature
	return f.result, f.err
}

func testAPILogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func webhookRouter(ingestor EventIngestor) *mux.Router {
	router := mux.NewRouter()
	NewWebhookHandlers(ingestor, testAPILogger()).RegisterRoutes(router)
	return router
}

func TestHandlePaymentEvent(t *testing.T) {
	tests := []struct {
		name         string
		signature    string
		result       ingest.Result
		err          error
		wantStatus   int
		wantContains string
	}{
		{
			name:         "accepted",
			signature:    "sha256=abc",
			result:       ingest.Accepted,
			wantStatus:   http.StatusOK,
			wantContains: "accepted",
		},
		{
			name:         "duplicate acknowledged",
			signature:    "sha256=abc",
			result:       ingest.Duplicate,
			wantStatus:   http.StatusOK,
			wantContains: "duplicate",
		},
		{
			name:         "missing signature",
			signature:    "",
			wantStatus:   http.StatusBadRequest,
			wantContains: "missing signature",
		},
		{
			name:         "invalid signature",
			signature:    "sha256=bad",
			result:       ingest.Rejected,
			err:          ingest.ErrInvalidSignature,
			wantStatus:   http.StatusBadRequest,
			wantContains: "invalid signature",
		},
		{
			name:         "stale event",
			signature:    "sha256=abc",
			result:       ingest.Rejected,
			err:          ingest.ErrStaleSignature,
			wantStatus:   http.StatusBadRequest,
			wantContains: "freshness window",
		},
		{
			name:         "malformed event",
			signature:    "sha256=abc",
			result:       ingest.Rejected,
			err:          ingest.ErrMalformedEvent,
			wantStatus:   http.StatusBadRequest,
			wantContains: "malformed",
		},
		{
			name:         "storage failure redelivers",
			signature:    "sha256=abc",
			err:          errors.New("db down"),
			wantStatus:   http.StatusInternalServerError,
			wantContains: "not persisted",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ingestor := &fakeIngestor{result: tt.result, err: tt.err}
			router := webhookRouter(ingestor)

			req := httptest.NewRequest("POST", "/webhooks/payments", bytes.NewBufferString(`{"id":"evt_1"}`))
			if tt.signature != "" {
				req.Header.Set(SignatureHeader, tt.signature)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantContains)
		})
	}
}

func TestHandlePaymentEvent_PassesRawBody(t *testing.T) {
	ingestor := &fakeIngestor{result: ingest.Accepted}
	router := webhookRouter(ingestor)

	body := `{"id":"evt_1","type":"checkout.completed"}`
	req := httptest.NewRequest("POST", "/webhooks/payments", bytes.NewBufferString(body))
	req.Header.Set(SignatureHeader, "sha256=abc")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, body, string(ingestor.body), "signature must be checked over the raw body")
	assert.Equal(t, "sha256=abc", ingestor.sig)
}
