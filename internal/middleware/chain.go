package middleware

import "net/http"

// Middleware defines a function that wraps an http.Handler
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares to a http.Handler, first one outermost
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

type contextKey string

const (
	requestInfoKey contextKey = "request_info"
	policyKey      contextKey = "policy"
	userKey        contextKey = "user"
	claimsKey      contextKey = "claims"
)
