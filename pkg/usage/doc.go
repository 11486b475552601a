// Package usage tracks metered consumption against billing-period quotas.
//
// Each account holds one open counter per quota name for its current billing
// period. Increments are applied with a single guarded UPDATE so concurrent
// consumers can never push a counter past its limit. Rollover closes the
// previous period's counters and seeds zeroed ones; it is idempotent keyed by
// period start, so replaying a renewal event is harmless.
package usage
