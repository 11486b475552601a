package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/plateful/entitlements/pkg/httputil"
	"github.com/plateful/entitlements/pkg/ingest"
	"github.com/plateful/entitlements/pkg/observability"
)

// SignatureHeader carries the provider's HMAC over the raw request body.
const SignatureHeader = "X-Signature"

// EventIngestor accepts raw webhook deliveries. *ingest.Ingestor satisfies it.
type EventIngestor interface {
	Ingest(ctx context.Context, body []byte, signature string) (ingest.Result, error)
}

// WebhookHandlers handles billing provider webhook deliveries
type WebhookHandlers struct {
	ingestor EventIngestor
	logger   *observability.Logger
}

// NewWebhookHandlers creates a new WebhookHandlers
func NewWebhookHandlers(ingestor EventIngestor, logger *observability.Logger) *WebhookHandlers {
	return &WebhookHandlers{
		ingestor: ingestor,
		logger:   logger,
	}
}

// RegisterRoutes registers webhook routes
func (h *WebhookHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/webhooks/payments", h.HandlePaymentEvent).Methods("POST")
}

// HandlePaymentEvent ingests one billing provider event. Duplicates are
// acknowledged with 200 so the provider stops redelivering; only a failure to
// persist the event before any side effects returns a 5xx.
func (h *WebhookHandlers) HandlePaymentEvent(w http.ResponseWriter, r *http.Request) {
	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		httputil.WriteBadRequest(w, "missing signature")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequest(w, "unreadable request body")
		return
	}

	result, err := h.ingestor.Ingest(r.Context(), body, signature)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrInvalidSignature):
			httputil.WriteBadRequest(w, "invalid signature")
		case errors.Is(err, ingest.ErrStaleSignature):
			httputil.WriteBadRequest(w, "event outside freshness window")
		case errors.Is(err, ingest.ErrMalformedEvent):
			httputil.WriteBadRequest(w, "malformed event")
		default:
			// The idempotency marker was not committed; a 5xx makes the
			// provider redeliver.
			observability.FromContext(r.Context()).WithError(err).Error("webhook ingest failed")
			httputil.WriteInternalError(w, errors.New("event not persisted"))
		}
		return
	}

	httputil.WriteSuccess(w, map[string]string{"status": string(result)})
}
