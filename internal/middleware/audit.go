package middleware

import (
	"net/http"
	"time"

	"github.com/raakeshmj/entitlements/internal/audit"
)

func AuditMiddleware(logger audit.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newInterceptor(w)

			next.ServeHTTP(rw, r)

			entry := audit.LogEntry{
				Timestamp: start,
				Action:    r.Method + " " + r.URL.Path,
				Resource:  r.URL.Path,
				Status:    rw.statusCode,
				Metadata: map[string]any{
					"remote_addr": r.RemoteAddr,
					"duration_ms": time.Since(start).Milliseconds(),
				},
			}
			if info := InfoFromContext(r.Context()); info != nil {
				entry.RequestID = info.ID
				entry.UserID = info.UserID
				entry.Site = info.Site
			}

			logger.Log(entry)
		})
	}
}
