// Package ingest is the webhook intake pipeline: signature verification,
// idempotent event persistence, and hand-off to the subscription state
// machine.
//
// The idempotency marker is committed before any state mutation, so a crash
// between persisting an event and applying it leaves a visible
// "ingested, not applied" row that the reconciliation sweep re-drives.
// Duplicate deliveries are detected on the same marker and are observably
// inert.
package ingest
