package middleware

import (
	"errors"
	"log"
	"net/http"

	"github.com/raakeshmj/entitlements/internal/circuitbreaker"
)

var errUpstream = errors.New("upstream returned 5xx")

// CircuitBreakerMiddleware counts 5xx responses from next as failures of
// serviceName and answers 503 while the circuit is open. If the breaker's
// own store is unreachable the request is served unguarded.
func CircuitBreakerMiddleware(cb *circuitbreaker.CircuitBreaker, serviceName string) Middleware {
	return func(next http.Handler) http.Handler {
		if cb == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := newInterceptor(w)
			ran := false

			err := cb.Execute(r.Context(), serviceName, func() error {
				ran = true
				next.ServeHTTP(rw, r)
				if rw.statusCode >= 500 {
					return errUpstream
				}
				return nil
			})

			switch {
			case errors.Is(err, circuitbreaker.ErrCircuitOpen):
				WriteError(w, http.StatusServiceUnavailable, "billing_unavailable", "payments are temporarily unavailable, please retry later")
			case err != nil && !ran:
				log.Printf("circuit breaker %s: %v", serviceName, err)
				next.ServeHTTP(w, r)
			}
		})
	}
}

// responseWriterInterceptor captures the status code
type responseWriterInterceptor struct {
	http.ResponseWriter
	statusCode int
}

func newInterceptor(w http.ResponseWriter) *responseWriterInterceptor {
	return &responseWriterInterceptor{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriterInterceptor) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
