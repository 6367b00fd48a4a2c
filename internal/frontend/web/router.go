// Package web assembles the gateway's HTTP surface on a chi router.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/cory-johannsen/mudbridge/internal/session"
)

// DebugSecretHeader carries the secret guarding debug routes.
const DebugSecretHeader = "X-Debug-Secret"

// Registry reports live session counts.
type Registry interface {
	SessionCount() int
	ClientCount() int
	Snapshot() []session.Info
}

// RouterConfig holds the HTTP surface settings.
type RouterConfig struct {
	// DebugSecret, when non-empty, must match DebugSecretHeader on debug routes.
	DebugSecret string
	// StaticDir, when non-empty, is served at "/".
	StaticDir string
}

// NewRouter builds the HTTP handler: the websocket endpoint, the public health
// check, the guarded session status report, Prometheus metrics and optional
// static files.
//
// Precondition: ws, sessions and logger must be non-nil; metrics may be nil.
func NewRouter(cfg RouterConfig, ws http.Handler, sessions Registry, metrics http.Handler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(logger.Named("http")))

	r.Handle("/ws", ws)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": sessions.SessionCount(),
			"clients":  sessions.ClientCount(),
		})
	})
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(debugAuth(cfg.DebugSecret))
		r.Get("/api/sessions/status", func(w http.ResponseWriter, _ *http.Request) {
			snapshot := sessions.Snapshot()
			if snapshot == nil {
				snapshot = []session.Info{}
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"total_sessions": sessions.SessionCount(),
				"total_clients":  sessions.ClientCount(),
				"sessions":       snapshot,
			})
		})
	})

	if cfg.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(cfg.StaticDir)))
	}
	return r
}

// debugAuth rejects requests without the configured secret. An empty secret
// leaves the routes open.
func debugAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" {
				got := r.Header.Get(DebugSecretHeader)
				if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
					writeJSON(w, http.StatusForbidden, map[string]string{"error": "Forbidden"})
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger logs one line per request after it completes.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
