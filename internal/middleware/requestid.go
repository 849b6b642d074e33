package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-ID"

// RequestInfo is filled in as the request moves through the chain so outer
// middleware (audit) can see what inner handlers resolved.
type RequestInfo struct {
	ID     string
	UserID uint
	Site   string
}

// RequestID tags each request with an id, reusing a caller-supplied one.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" || len(id) > 128 {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)

			ctx := context.WithValue(r.Context(), requestInfoKey, &RequestInfo{ID: id})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// InfoFromContext returns the request's info, or nil outside the chain.
func InfoFromContext(ctx context.Context) *RequestInfo {
	info, _ := ctx.Value(requestInfoKey).(*RequestInfo)
	return info
}
