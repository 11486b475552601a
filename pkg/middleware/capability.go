package middleware

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/plateful/entitlements/pkg/catalog"
	"github.com/plateful/entitlements/pkg/gate"
	"github.com/plateful/entitlements/pkg/httputil"
	"github.com/plateful/entitlements/pkg/observability"
)

// Authorizer decides whether an account may exercise a capability.
// *gate.Gate satisfies it.
type Authorizer interface {
	Authorize(ctx context.Context, accountID string, cap catalog.Capability, quota string) gate.Decision
}

// RequireCapability denies requests whose account is not entitled to the
// capability. The account ID is read from the {accountID} path variable;
// routes without one pass through unchecked.
//
// Denials map to HTTP status codes by reason:
//
//	payment_required        -> 402
//	feature_locked          -> 403
//	subscription_expired    -> 403
//	quota_exceeded          -> 429
//	temporarily_unavailable -> 503
func RequireCapability(authorizer Authorizer, cap catalog.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID := mux.Vars(r)["accountID"]
			if accountID == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx := observability.WithAccountID(r.Context(), accountID)

			decision := authorizer.Authorize(ctx, accountID, cap, "")
			if !decision.Allowed {
				writeDenial(w, decision)
				return
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeDenial(w http.ResponseWriter, d gate.Decision) {
	httputil.WriteJSON(w, DenialStatus(d.Reason), d)
}

// DenialStatus maps a gate denial reason to an HTTP status code.
func DenialStatus(reason gate.Reason) int {
	switch reason {
	case gate.ReasonPaymentRequired:
		return http.StatusPaymentRequired
	case gate.ReasonFeatureLocked, gate.ReasonSubscriptionExpired:
		return http.StatusForbidden
	case gate.ReasonQuotaExceeded:
		return http.StatusTooManyRequests
	case gate.ReasonTemporarilyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusForbidden
	}
}
