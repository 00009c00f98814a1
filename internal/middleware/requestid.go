// Package middleware provides the HTTP middleware chain: request IDs,
// API key authentication, pre-auth per-IP throttling, body size limits,
// and CORS.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/binsight/binsight-ai/internal/audit"
)

const requestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestID assigns every request an id, honouring a client-provided
// X-Request-ID. The id doubles as the audit correlation id and is echoed on
// the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}

		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		ctx = audit.WithCorrelationID(ctx, id)
		w.Header().Set(requestIDHeader, id)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFrom returns the request id from the context, empty if absent.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
