// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Overview
//
// This package offers helper functions for JSON encoding/decoding, error responses,
// parameter parsing, validation, and common HTTP middleware patterns.
//
// # Response Helpers
//
// JSON responses:
//
//	httputil.WriteSuccess(w, entitlementView)
//	httputil.WriteCreated(w, resource)
//
// Error responses:
//
//	httputil.WriteBadRequest(w, "Invalid input")
//	httputil.WriteNotFound(w, "account not found")
//	httputil.WriteServiceUnavailable(w, "temporarily unavailable")
//
// # Request Parsing
//
// JSON parsing:
//
//	var req AuthorizeRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
// Path and query parameters:
//
//	accountID, ok := httputil.ParsePathStringOrError(w, r, "accountID")
//	limit, err := httputil.ParseQueryInt(r, "limit", 20)
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
//
// # Related Packages
//
//   - pkg/middleware: Rate limiting and capability enforcement middleware
package httputil
