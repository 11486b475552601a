package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"

	"github.com/plateful/entitlements/pkg/catalog"
	"github.com/plateful/entitlements/pkg/gate"
	"github.com/plateful/entitlements/pkg/observability"
)

type fakeAuthorizer struct {
	decision  gate.Decision
	accountID string
	cap       catalog.Capability
}

func (f *fakeAuthorizer) Authorize(_ context.Context, accountID string, cap catalog.Capability, _ string) gate.Decision {
	f.accountID = accountID
	f.cap = cap
	return f.decision
}

func capabilityRouter(authorizer Authorizer, handler http.HandlerFunc) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/v1/accounts/{accountID}/plans",
		RequireCapability(authorizer, catalog.Capability("meal_planning"))(handler))
	router.Handle("/healthz",
		RequireCapability(authorizer, catalog.Capability("meal_planning"))(handler))
	return router
}

func TestRequireCapability_Allowed(t *testing.T) {
	authorizer := &fakeAuthorizer{decision: gate.Decision{Allowed: true}}
	var ctxAccount string
	router := capabilityRouter(authorizer, func(w http.ResponseWriter, r *http.Request) {
		ctxAccount = observability.GetAccountID(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/accounts/acct_1/plans", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "acct_1", authorizer.accountID)
	assert.Equal(t, catalog.Capability("meal_planning"), authorizer.cap)
	assert.Equal(t, "acct_1", ctxAccount, "account ID propagated in context")
}

func TestRequireCapability_Denials(t *testing.T) {
	tests := []struct {
		reason gate.Reason
		status int
	}{
		{gate.ReasonPaymentRequired, http.StatusPaymentRequired},
		{gate.ReasonFeatureLocked, http.StatusForbidden},
		{gate.ReasonSubscriptionExpired, http.StatusForbidden},
		{gate.ReasonQuotaExceeded, http.StatusTooManyRequests},
		{gate.ReasonTemporarilyUnavailable, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			authorizer := &fakeAuthorizer{decision: gate.Decision{
				Allowed: false,
				Reason:  tt.reason,
			}}
			router := capabilityRouter(authorizer, func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not run on denial")
			})

			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/accounts/acct_1/plans", nil))

			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), string(tt.reason))
		})
	}
}

func TestRequireCapability_NoAccountVar(t *testing.T) {
	authorizer := &fakeAuthorizer{decision: gate.Decision{Allowed: false, Reason: gate.ReasonFeatureLocked}}
	router := capabilityRouter(authorizer, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code, "routes without accountID pass through")
	assert.Empty(t, authorizer.accountID)
}
