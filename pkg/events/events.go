// Package events defines the payment provider's webhook event envelope and
// the typed payloads this service understands. Event types outside the known
// set parse into an UnknownPayload so delivery can be acknowledged without
// acting on it.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies a provider event.
type EventType string

const (
	EventCheckoutCompleted       EventType = "checkout.session.completed"
	EventInvoicePaymentSucceeded EventType = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    EventType = "invoice.payment_failed"
	EventInvoiceRetriesExhausted EventType = "invoice.payment_retries_exhausted"
	EventSubscriptionUpdated     EventType = "customer.subscription.updated"
	EventSubscriptionDeleted     EventType = "customer.subscription.deleted"
)

// Envelope is the raw provider event as delivered on the wire.
type Envelope struct {
	ID      string          `json:"id"`
	Type    EventType       `json:"type"`
	Created int64           `json:"created"` // unix seconds
	Data    json.RawMessage `json:"data"`
}

// OccurredAt returns the provider-side event timestamp.
func (e *Envelope) OccurredAt() time.Time {
	return time.Unix(e.Created, 0).UTC()
}

// Event is a parsed provider event: the envelope plus one typed payload.
type Event struct {
	ID         string
	Type       EventType
	OccurredAt time.Time
	Payload    Payload
}

// Payload is implemented by each event payload variant.
type Payload interface {
	isPayload()
}

// CheckoutCompleted creates a subscription for an account.
type CheckoutCompleted struct {
	AccountID   string    `json:"account_id"`
	TierID      string    `json:"tier_id"`
	TrialDays   int       `json:"trial_days,omitempty"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// InvoicePaymentSucceeded renews the subscription and advances the billing
// period.
type InvoicePaymentSucceeded struct {
	AccountID   string    `json:"account_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// InvoicePaymentFailed marks the subscription past due.
type InvoicePaymentFailed struct {
	AccountID string `json:"account_id"`
	Attempt   int    `json:"attempt,omitempty"`
}

// InvoiceRetriesExhausted is the provider's terminal payment failure.
type InvoiceRetriesExhausted struct {
	AccountID string `json:"account_id"`
}

// SubscriptionUpdated carries a tier change.
type SubscriptionUpdated struct {
	AccountID         string `json:"account_id"`
	TierID            string `json:"tier_id"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
}

// SubscriptionDeleted cancels the subscription.
type SubscriptionDeleted struct {
	AccountID         string `json:"account_id"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
}

// UnknownPayload is any event type this service does not act on. It is
// acknowledged with a 200 and otherwise ignored (never a parse error).
type UnknownPayload struct {
	Raw json.RawMessage
}

func (CheckoutCompleted) isPayload()       {}
func (InvoicePaymentSucceeded) isPayload() {}
func (InvoicePaymentFailed) isPayload()    {}
func (InvoiceRetriesExhausted) isPayload() {}
func (SubscriptionUpdated) isPayload()     {}
func (SubscriptionDeleted) isPayload()     {}
func (UnknownPayload) isPayload()          {}

// AccountID returns the account an event targets, or "" for unknown payloads.
func (e *Event) AccountID() string {
	switch p := e.Payload.(type) {
	case *CheckoutCompleted:
		return p.AccountID
	case *InvoicePaymentSucceeded:
		return p.AccountID
	case *InvoicePaymentFailed:
		return p.AccountID
	case *InvoiceRetriesExhausted:
		return p.AccountID
	case *SubscriptionUpdated:
		return p.AccountID
	case *SubscriptionDeleted:
		return p.AccountID
	}
	return ""
}

// Parse decodes a raw webhook body into a typed Event.
func Parse(body []byte) (*Event, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to parse event envelope: %w", err)
	}
	return ParseEnvelope(&env)
}

// ParseEnvelope decodes an already-unmarshaled envelope.
func ParseEnvelope(env *Envelope) (*Event, error) {
	if env.ID == "" {
		return nil, fmt.Errorf("event has no id")
	}
	if env.Created == 0 {
		return nil, fmt.Errorf("event %s has no created timestamp", env.ID)
	}

	ev := &Event{
		ID:         env.ID,
		Type:       env.Type,
		OccurredAt: env.OccurredAt(),
	}

	var payload Payload
	switch env.Type {
	case EventCheckoutCompleted:
		payload = &CheckoutCompleted{}
	case EventInvoicePaymentSucceeded:
		payload = &InvoicePaymentSucceeded{}
	case EventInvoicePaymentFailed:
		payload = &InvoicePaymentFailed{}
	case EventInvoiceRetriesExhausted:
		payload = &InvoiceRetriesExhausted{}
	case EventSubscriptionUpdated:
		payload = &SubscriptionUpdated{}
	case EventSubscriptionDeleted:
		payload = &SubscriptionDeleted{}
	default:
		ev.Payload = &UnknownPayload{Raw: env.Data}
		return ev, nil
	}

	if err := json.Unmarshal(env.Data, payload); err != nil {
		return nil, fmt.Errorf("failed to parse %s payload for event %s: %w", env.Type, env.ID, err)
	}
	ev.Payload = payload
	return ev, nil
}

// IsUnknown reports whether the event carries a payload this service ignores.
func (e *Event) IsUnknown() bool {
	_, ok := e.Payload.(*UnknownPayload)
	return ok
}
