// Package jobs runs side-effect work (receipt emails, analytics pushes,
// provider syncs) on a bounded worker pool behind a circuit breaker.
//
// Failed jobs retry with exponential backoff; jobs that exhaust their
// attempts land in the dead-letter store for inspection and manual requeue.
// When the breaker is open, Enqueue fails fast with ErrCircuitOpen instead of
// piling work onto a failing downstream.
package jobs
