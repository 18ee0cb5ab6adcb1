package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// requestIDKey identifies the per-request ID in a context.
type requestIDKey struct{}

// RequestIDMiddleware stamps each request with a fresh UUID before any
// other middleware runs. The ID rides the context for log correlation
// and is echoed back in X-Request-ID so callers can quote it when
// reporting a failure. Inbound X-Request-ID headers are ignored; the
// public surface cannot be trusted to supply unique values.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the ID stamped by RequestIDMiddleware, or ""
// when the middleware is not installed (bare routers in tests).
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// TimeoutMiddleware bounds each request's context. Handlers observe the
// deadline cooperatively through context.Done(); the middleware does not
// forcibly terminate them.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
