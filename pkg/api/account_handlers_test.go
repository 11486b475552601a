package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plateful/entitlements/pkg/catalog"
	"github.com/plateful/entitlements/pkg/entitlement"
	"github.com/plateful/entitlements/pkg/gate"
	"github.com/plateful/entitlements/pkg/subscription"
	"github.com/plateful/entitlements/pkg/usage"
)

type fakeEntitlements struct {
	ent *entitlement.Entitlement
	err error
}

func (f *fakeEntitlements) Get(_ context.Context, _ string) (*entitlement.Entitlement, error) {
	return f.ent, f.err
}

type fakeGate struct {
	decision gate.Decision
	consumed bool
	count    int64
	quota    string
}

func (f *fakeGate) Authorize(_ context.Context, _ string, cap catalog.Capability, quota string) gate.Decision {
	f.quota = quota
	return f.decision
}

func (f *fakeGate) Consume(_ context.Context, _ string, cap catalog.Capability, quota string, n int64) gate.Decision {
	f.consumed = true
	f.quota = quota
	f.count = n
	return f.decision
}

type fakeUsage struct {
	counters []usage.Counter
	err      error
}

func (f *fakeUsage) Counters(_ context.Context, _ string) ([]usage.Counter, error) {
	return f.counters, f.err
}

func accountRouter(ents EntitlementSource, g Gatekeeper, u UsageSource) *mux.Router {
	router := mux.NewRouter()
	NewAccountHandlers(ents, g, u).RegisterRoutes(router)
	return router
}

func TestGetEntitlement(t *testing.T) {
	t.Run("returns snapshot", func(t *testing.T) {
		ents := &fakeEntitlements{ent: &entitlement.Entitlement{
			AccountID: "acct_1",
			TierID:    "family",
			Status:    subscription.StatusActive,
			Features:  []catalog.Capability{"meal_planning"},
		}}
		router := accountRouter(ents, &fakeGate{}, &fakeUsage{})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/accounts/acct_1/entitlement", nil))

		require.Equal(t, http.StatusOK, w.Code)
		var got entitlement.Entitlement
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, "family", got.TierID)
		assert.Contains(t, got.Features, catalog.Capability("meal_planning"))
	})

	t.Run("404 when no subscription", func(t *testing.T) {
		ents := &fakeEntitlements{err: subscription.ErrNotFound}
		router := accountRouter(ents, &fakeGate{}, &fakeUsage{})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/accounts/acct_1/entitlement", nil))

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("503 on lookup failure", func(t *testing.T) {
		ents := &fakeEntitlements{err: errors.New("db down")}
		router := accountRouter(ents, &fakeGate{}, &fakeUsage{})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/accounts/acct_1/entitlement", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestAuthorize(t *testing.T) {
	t.Run("allowed decision", func(t *testing.T) {
		g := &fakeGate{decision: gate.Decision{Allowed: true, Capability: "pdf_export"}}
		router := accountRouter(&fakeEntitlements{}, g, &fakeUsage{})

		body := `{"capability": "pdf_export"}`
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("POST", "/v1/accounts/acct_1/authorize", bytes.NewBufferString(body)))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"allowed":true`)
		assert.False(t, g.consumed)
	})

	t.Run("denial is still 200 with reason", func(t *testing.T) {
		g := &fakeGate{decision: gate.Decision{
			Allowed:    false,
			Reason:     gate.ReasonFeatureLocked,
			Capability: "pdf_export",
			TierID:     "basic",
		}}
		router := accountRouter(&fakeEntitlements{}, g, &fakeUsage{})

		body := `{"capability": "pdf_export"}`
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("POST", "/v1/accounts/acct_1/authorize", bytes.NewBufferString(body)))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "feature_locked")
	})

	t.Run("consume spends quota", func(t *testing.T) {
		g := &fakeGate{decision: gate.Decision{Allowed: true}}
		router := accountRouter(&fakeEntitlements{}, g, &fakeUsage{})

		body := `{"capability": "meal_planning", "quota": "meal_plans_per_month", "consume": true, "count": 2}`
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("POST", "/v1/accounts/acct_1/authorize", bytes.NewBufferString(body)))

		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, g.consumed)
		assert.Equal(t, int64(2), g.count)
		assert.Equal(t, "meal_plans_per_month", g.quota)
	})

	t.Run("consume defaults to one unit", func(t *testing.T) {
		g := &fakeGate{decision: gate.Decision{Allowed: true}}
		router := accountRouter(&fakeEntitlements{}, g, &fakeUsage{})

		body := `{"capability": "meal_planning", "quota": "meal_plans_per_month", "consume": true}`
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("POST", "/v1/accounts/acct_1/authorize", bytes.NewBufferString(body)))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, int64(1), g.count)
	})

	t.Run("consume without quota is rejected", func(t *testing.T) {
		router := accountRouter(&fakeEntitlements{}, &fakeGate{}, &fakeUsage{})

		body := `{"capability": "meal_planning", "consume": true}`
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("POST", "/v1/accounts/acct_1/authorize", bytes.NewBufferString(body)))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "quota is required")
	})

	t.Run("missing capability", func(t *testing.T) {
		router := accountRouter(&fakeEntitlements{}, &fakeGate{}, &fakeUsage{})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("POST", "/v1/accounts/acct_1/authorize", bytes.NewBufferString(`{}`)))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		router := accountRouter(&fakeEntitlements{}, &fakeGate{}, &fakeUsage{})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("POST", "/v1/accounts/acct_1/authorize", bytes.NewBufferString(`{`)))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestGetUsage(t *testing.T) {
	t.Run("returns counters", func(t *testing.T) {
		periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		u := &fakeUsage{counters: []usage.Counter{
			{
				AccountID:   "acct_1",
				Quota:       "meal_plans_per_month",
				PeriodStart: periodStart,
				PeriodEnd:   periodStart.AddDate(0, 1, 0),
				Count:       7,
				Open:        true,
			},
		}}
		router := accountRouter(&fakeEntitlements{}, &fakeGate{}, u)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/accounts/acct_1/usage", nil))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "meal_plans_per_month")
		assert.Contains(t, w.Body.String(), `"count":7`)
	})

	t.Run("503 on ledger failure", func(t *testing.T) {
		u := &fakeUsage{err: errors.New("db down")}
		router := accountRouter(&fakeEntitlements{}, &fakeGate{}, u)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/accounts/acct_1/usage", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}
