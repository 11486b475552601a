package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/plateful/entitlements/pkg/catalog"
	"github.com/plateful/entitlements/pkg/entitlement"
	"github.com/plateful/entitlements/pkg/gate"
	"github.com/plateful/entitlements/pkg/httputil"
	"github.com/plateful/entitlements/pkg/subscription"
	"github.com/plateful/entitlements/pkg/usage"
)

// EntitlementSource resolves entitlement snapshots. *entitlement.Cache
// satisfies it.
type EntitlementSource interface {
	Get(ctx context.Context, accountID string) (*entitlement.Entitlement, error)
}

// Gatekeeper makes authorization decisions. *gate.Gate satisfies it.
type Gatekeeper interface {
	Authorize(ctx context.Context, accountID string, cap catalog.Capability, quota string) gate.Decision
	Consume(ctx context.Context, accountID string, cap catalog.Capability, quota string, n int64) gate.Decision
}

// UsageSource reads usage counters. *usage.Ledger satisfies it.
type UsageSource interface {
	Counters(ctx context.Context, accountID string) ([]usage.Counter, error)
}

// AuthorizeRequest asks whether an account may exercise a capability, and
// optionally spends quota at the same time.
type AuthorizeRequest struct {
	Capability string `json:"capability"`
	Quota      string `json:"quota,omitempty"`
	// Consume spends Count units (default 1) instead of a read-only check.
	Consume bool  `json:"consume,omitempty"`
	Count   int64 `json:"count,omitempty"`
}

// AccountHandlers handles account-facing entitlement, authorization, and
// usage requests
type AccountHandlers struct {
	entitlements EntitlementSource
	gate         Gatekeeper
	usage        UsageSource
}

// NewAccountHandlers creates a new AccountHandlers
func NewAccountHandlers(entitlements EntitlementSource, gatekeeper Gatekeeper, usageSource UsageSource) *AccountHandlers {
	return &AccountHandlers{
		entitlements: entitlements,
		gate:         gatekeeper,
		usage:        usageSource,
	}
}

// RegisterRoutes registers account routes
func (h *AccountHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/v1/accounts/{accountID}/entitlement", h.GetEntitlement).Methods("GET")
	router.HandleFunc("/v1/accounts/{accountID}/authorize", h.Authorize).Methods("POST")
	router.HandleFunc("/v1/accounts/{accountID}/usage", h.GetUsage).Methods("GET")
}

// GetEntitlement returns the account's current entitlement snapshot
func (h *AccountHandlers) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.ParsePathStringOrError(w, r, "accountID")
	if !ok {
		return
	}

	ent, err := h.entitlements.Get(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			httputil.WriteNotFound(w, "no subscription for account")
			return
		}
		httputil.WriteServiceUnavailable(w, "entitlement lookup failed")
		return
	}

	httputil.WriteSuccess(w, ent)
}

// Authorize evaluates one capability check for the account. Denials are 200
// responses carrying the structured reason, so clients can render upgrade
// prompts; only malformed requests are 4xx.
func (h *AccountHandlers) Authorize(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.ParsePathStringOrError(w, r, "accountID")
	if !ok {
		return
	}

	var req AuthorizeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Capability, "capability") {
		return
	}

	var decision gate.Decision
	if req.Consume {
		if !httputil.RequireNonEmpty(w, req.Quota, "quota") {
			return
		}
		count := req.Count
		if count == 0 {
			count = 1
		}
		if !httputil.RequirePositive(w, count, "count") {
			return
		}
		decision = h.gate.Consume(r.Context(), accountID, catalog.Capability(req.Capability), req.Quota, count)
	} else {
		decision = h.gate.Authorize(r.Context(), accountID, catalog.Capability(req.Capability), req.Quota)
	}

	httputil.WriteSuccess(w, decision)
}

// GetUsage returns the account's usage counters, current and closed periods
func (h *AccountHandlers) GetUsage(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.ParsePathStringOrError(w, r, "accountID")
	if !ok {
		return
	}

	counters, err := h.usage.Counters(r.Context(), accountID)
	if err != nil {
		httputil.WriteServiceUnavailable(w, "usage lookup failed")
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"account_id": accountID,
		"counters":   counters,
	})
}
