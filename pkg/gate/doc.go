// Package gate enforces tier entitlements at request time.
//
// Authorize answers "may this account use this capability right now" from the
// cached entitlement snapshot. Consume additionally spends quota units through
// the usage ledger, whose guarded increment is the authoritative limit check.
// Denials always carry a machine-readable reason; infrastructure failures deny
// closed with temporarily_unavailable rather than granting access.
package gate
