package observability

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/getsentry/sentry-go"
)

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.statusCode = status
	r.ResponseWriter.WriteHeader(status)
}

// RequestLoggingMiddleware logs the matched route and subject. Request
// bodies are never logged since they carry PINs and security answers.
func RequestLoggingMiddleware(logger *Logger, proxies TrustedProxies, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now().UTC()
		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r)

		fields := map[string]any{
			"method":      r.Method,
			"route":       routeOf(r),
			"status":      recorder.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"ip":          proxies.ClientIP(r),
		}
		if subjectID := r.PathValue("subjectID"); subjectID != "" {
			fields["subject_id"] = subjectID
		}
		logger.Info("http_request", fields)
	})
}

// RecoverMiddleware turns a handler panic into a 500 and reports it tagged
// with the gate route and subject. Route values are only known once the
// mux has matched, which happens before any handler can panic.
func RecoverMiddleware(logger *Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			route := routeOf(r)
			subjectID := r.PathValue("subjectID")

			sentry.WithScope(func(scope *sentry.Scope) {
				scope.SetTag("component", "http")
				scope.SetTag("route", route)
				if subjectID != "" {
					scope.SetTag("subject_id", subjectID)
				}
				scope.SetExtra("stack", string(debug.Stack()))
				sentry.CaptureMessage(fmt.Sprintf("panic in %s: %v", route, rec))
			})

			logger.Error("panic_recovered", map[string]any{
				"route":      route,
				"method":     r.Method,
				"subject_id": subjectID,
				"panic":      rec,
			})

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
		}()

		next.ServeHTTP(w, r)
	})
}

func routeOf(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return r.URL.Path
}
