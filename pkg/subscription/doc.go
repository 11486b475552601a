// Package subscription owns the persisted subscription record and the state
// machine that applies provider events to it. Events are ordered by their
// provider-side timestamp, not arrival order: an event is applied iff it is
// strictly newer than the last applied event, which makes application safe
// under duplicate and out-of-order delivery.
package subscription
