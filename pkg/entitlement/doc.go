// Package entitlement computes and caches the effective entitlement snapshot
// for an account: its tier's features and limits joined with the current
// subscription state and usage counts.
//
// Snapshots are cached in an in-process LRU and invalidated by generation:
// every subscription state change bumps the account's generation, so the next
// read recomputes instead of serving the stale snapshot. A short TTL bounds
// staleness for changes that bypass invalidation (catalog edits, usage).
package entitlement
