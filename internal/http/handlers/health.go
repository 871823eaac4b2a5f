package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/ecell-club/membership/internal/http/respond"
)

// Pinger is implemented by data backends that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler returns uptime, the data backend in use and whether it
// answers.
type HealthHandler struct {
	startedAt time.Time
	backend   string
	pinger    Pinger
}

// NewHealthHandler creates a health endpoint handler. pinger may be nil for
// backends that are always available.
func NewHealthHandler(startedAt time.Time, backend string, pinger Pinger) *HealthHandler {
	return &HealthHandler{startedAt: startedAt, backend: backend, pinger: pinger}
}

// Register wires the handler into a ServeMux.
func (h *HealthHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handle)
}

func (h *HealthHandler) handle(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{
		"status":  "ok",
		"backend": h.backend,
		"uptime":  time.Since(h.startedAt).Truncate(time.Second).String(),
	}
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			body["status"] = "degraded"
			body["error"] = err.Error()
			respond.JSON(w, http.StatusServiceUnavailable, "data backend unavailable", body)
			return
		}
	}
	respond.JSON(w, http.StatusOK, "ok", body)
}
