// Package server provides the status HTTP API for the dirsentry agent:
// a liveness probe and read-only views of the registered watchers and the
// recorded watch sessions.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dirsentry/agent/internal/host"
	"github.com/dirsentry/agent/internal/stats"
)

// WatcherSource yields the current watcher registry state.
type WatcherSource interface {
	Snapshot() []host.Status
}

// SessionSource yields recorded watch sessions. The stats store implements
// it; a nil source serves empty session lists.
type SessionSource interface {
	Sessions(ctx context.Context, limit int) ([]stats.Session, error)
}

// NewRouter returns the configured chi.Router for the status API.
//
// Route layout:
//
//	GET /healthz           – liveness probe (no authentication)
//	GET /api/v1/watchers   – registered watchers with counters
//	GET /api/v1/sessions   – recorded watch sessions (?limit=N)
//
// When authSecret is non-empty, the /api routes require an HS256 bearer
// token signed with it.
func NewRouter(watchers WatcherSource, sessions SessionSource, authSecret string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		if authSecret != "" {
			r.Use(BearerAuth(authSecret))
		}

		r.Get("/watchers", handleWatchers(watchers))
		r.Get("/sessions", handleSessions(sessions))
	})

	return r
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleWatchers(src WatcherSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		statuses := src.Snapshot()
		if statuses == nil {
			statuses = []host.Status{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"watchers": statuses})
	}
}

func handleSessions(src SessionSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions := []stats.Session{}
		if src != nil {
			limit := 0
			if raw := r.URL.Query().Get("limit"); raw != "" {
				parsed, err := strconv.Atoi(raw)
				if err != nil || parsed < 0 {
					writeError(w, http.StatusBadRequest, "invalid limit parameter")
					return
				}
				limit = parsed
			}

			got, err := src.Sessions(r.Context(), limit)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "cannot query sessions")
				return
			}
			if got != nil {
				sessions = got
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
	}
}

// writeJSON encodes v as the response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error body in the API's uniform shape.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
