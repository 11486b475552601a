package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/plateful/entitlements/pkg/events"
	"github.com/plateful/entitlements/pkg/observability"
	"github.com/plateful/entitlements/pkg/subscription"
)

// Result is the terminal outcome of one webhook delivery.
type Result string

const (
	// Accepted means the event was persisted (and usually applied).
	Accepted Result = "accepted"
	// Duplicate means the event id was seen before; nothing happened.
	Duplicate Result = "duplicate"
	// Rejected means the delivery failed verification or parsing.
	Rejected Result = "rejected"
)

// ErrMalformedEvent means the body could not be parsed into an event.
var ErrMalformedEvent = errors.New("malformed webhook event")

// Applier is the state machine side of the pipeline.
type Applier interface {
	Apply(ctx context.Context, ev *events.Event) (*subscription.ApplyResult, error)
}

// Ingestor runs the full intake pipeline for one webhook delivery.
type Ingestor struct {
	verifier *Verifier
	store    *EventStore
	machine  Applier
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewIngestor wires the pipeline.
func NewIngestor(verifier *Verifier, store *EventStore, machine Applier, logger *observability.Logger) *Ingestor {
	return &Ingestor{
		verifier: verifier,
		store:    store,
		machine:  machine,
		logger:   logger,
	}
}

// SetMetrics wires ingest counters.
func (i *Ingestor) SetMetrics(m *observability.Metrics) {
	i.metrics = m
}

// Ingest verifies, dedupes, persists, and applies one raw delivery.
//
// The returned error is non-nil only for Rejected results and for storage
// failures that happened before the idempotency marker was committed; once
// the marker is down, apply failures are swallowed into an Accepted result
// and left for the reconciliation sweep.
func (i *Ingestor) Ingest(ctx context.Context, body []byte, signature string) (Result, error) {
	start := time.Now()
	err := i.verifier.Verify(body, signature)
	if i.metrics != nil {
		i.metrics.WebhookVerifyDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		i.count("unknown", "invalid_signature")
		return Rejected, err
	}

	ev, err := events.Parse(body)
	if err != nil {
		i.count("unknown", "malformed")
		return Rejected, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	if err := i.verifier.Fresh(ev.OccurredAt); err != nil {
		i.count(string(ev.Type), "stale_signature")
		return Rejected, err
	}

	inserted, err := i.store.InsertIfAbsent(ctx, ev, body)
	if err != nil {
		// the marker never committed, so the provider may safely retry
		return "", err
	}
	if !inserted {
		i.count(string(ev.Type), "duplicate")
		if i.metrics != nil {
			i.metrics.WebhookDuplicatesTotal.Inc()
		}
		return Duplicate, nil
	}

	i.apply(ctx, ev)
	return Accepted, nil
}

// apply drives the state machine and stamps the outcome. Failures leave the
// event unapplied for the reconciliation sweep; the delivery was already
// accepted.
func (i *Ingestor) apply(ctx context.Context, ev *events.Event) {
	logger := i.logger.WithFields(map[string]interface{}{
		"event_id":   ev.ID,
		"event_type": string(ev.Type),
	})

	res, err := i.machine.Apply(ctx, ev)
	if err != nil {
		logger.WithError(err).Error("Event apply failed, leaving for reconciliation")
		i.count(string(ev.Type), "apply_failed")
		return
	}

	if err := i.store.MarkApplied(ctx, ev.ID, string(res.Outcome)); err != nil {
		// applied but unmarked: the sweep will re-drive it, and the
		// timestamp rule makes the replay a no-op
		logger.WithError(err).Error("Failed to mark event applied")
	}
	i.count(string(ev.Type), string(res.Outcome))
}

func (i *Ingestor) count(eventType, result string) {
	if i.metrics != nil {
		i.metrics.WebhookEventsTotal.WithLabelValues(eventType, result).Inc()
	}
}
