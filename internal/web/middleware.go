package web

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	appLog "helicare/internal/log"
	"helicare/internal/metrics"
	"helicare/internal/model"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// requestID tags every request with an X-Request-ID, reusing the caller's.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func getRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// accessLog logs each request and counts it by route pattern.
func accessLog(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			m.ObserveHTTP(route, wrapped.statusCode)

			appLog.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.statusCode,
				"duration", time.Since(start).String(),
				"request_id", getRequestID(r.Context()),
			)
		})
	}
}

// recoverer turns a handler panic into a 500 envelope.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				appLog.Error("panic recovered", nil,
					"panic", rec,
					"path", r.URL.Path,
					"request_id", getRequestID(r.Context()),
				)
				writeJSON(w, http.StatusInternalServerError, model.Envelope[any]{Message: "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// basicAuth protects everything it wraps with HTTP Basic Auth.
func basicAuth(username, password string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, p, ok := r.BasicAuth()
			if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
				w.Header().Set("WWW-Authenticate", `Basic realm="HeLiCare", charset="UTF-8"`)
				writeJSON(w, http.StatusUnauthorized, model.Envelope[any]{Message: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
