// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"bastion/internal/transport/httputil"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

// Handler answers probe requests. Liveness is unconditional; readiness
// runs the registered dependency checks with a short deadline.
type Handler struct {
	checks map[string]Check
}

// NewHandler creates a probe handler.
func NewHandler() *Handler {
	return &Handler{checks: make(map[string]Check)}
}

// Register adds a named dependency check. Not safe after serving starts.
func (h *Handler) Register(name string, check Check) {
	h.checks[name] = check
}

// Liveness reports process health.
func (h *Handler) Liveness(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness reports dependency health. The service stays ready when only
// optional dependencies are down; callers register checks for hard
// dependencies only.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	httputil.WriteJSON(w, status, map[string]any{
		"status": http.StatusText(status),
		"checks": results,
	})
}
