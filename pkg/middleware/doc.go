// Package middleware provides HTTP middleware for rate limiting and
// capability enforcement.
//
// # Overview
//
// This package implements request processing middleware: Redis-backed
// distributed rate limiting (shared across service instances) and a
// capability gate that denies requests whose account lacks an entitled
// feature.
//
// # Middleware Components
//
// DistributedRateLimitMiddleware: Redis-backed rate limiting
//
//	limiter := middleware.NewDistributedRateLimitMiddleware(redisClient)
//	router.Use(limiter.Handler)
//
// Requests from API clients are keyed per account; webhook deliveries and
// other unattributed traffic are keyed per client IP.
//
// CapabilityMiddleware: entitlement enforcement
//
//	router.Handle("/v1/accounts/{accountID}/plans",
//	    middleware.RequireCapability(g, catalog.CapabilityMealPlanning)(handler))
//
// # Middleware Ordering
//
// Rate limiting runs before the capability gate so that abusive clients are
// shed without an entitlement lookup. The capability gate reads the account ID
// from the request path, so it must be mounted on a mux route that declares
// the {accountID} variable.
//
// # Related Packages
//
//   - pkg/gate: Authorization decisions
//   - pkg/entitlement: Cached entitlement snapshots
package middleware
