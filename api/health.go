package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// readinessTimeout bounds the store ping behind /readyz.
const readinessTimeout = 2 * time.Second

// Pinger is the readiness probe surface.
type Pinger interface {
	Ping(ctx context.Context) error
}

// health is the liveness probe: the process is up and serving.
func health(w http.ResponseWriter, _ *http.Request, logger *slog.Logger) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, logger)
}

// readiness reports whether the service can do real work, which here
// means the database answers.
func readiness(p Pinger, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		if err := p.Ping(ctx); err != nil {
			logger.Warn("readiness check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "not_ready", "database unavailable", logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, logger)
	}
}
