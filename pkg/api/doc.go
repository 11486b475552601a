// Package api implements the public HTTP surface of the entitlement service.
//
// # Endpoints
//
// Webhook intake:
//
//	POST /webhooks/payments
//
// Raw billing provider deliveries, authenticated by an HMAC-SHA256 signature
// in the X-Signature header. Duplicates and business no-ops are acknowledged
// with 200; invalid, stale, or malformed deliveries get 400; only a failure to
// persist the idempotency marker returns a 5xx so the provider redelivers.
//
// Account surface:
//
//	GET  /v1/accounts/{accountID}/entitlement
//	POST /v1/accounts/{accountID}/authorize
//	GET  /v1/accounts/{accountID}/usage
//
// Authorize returns the gate decision as a 200 even when denied; the
// structured reason lets clients render contextual upgrade prompts.
//
// Background jobs:
//
//	POST /v1/jobs
//	GET  /v1/jobs/dead-letters
//	POST /v1/jobs/dead-letters/{id}/requeue
//
// Job submission is shed with 503 while the circuit breaker for the job's
// dependency is open.
//
// Health, readiness, and Prometheus metrics are served on a separate port;
// see pkg/observability.
package api
