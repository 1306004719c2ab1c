package handler

import (
	"context"
	"net/http"
)

// Pinger checks one backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the liveness endpoint.
type HealthHandler struct {
	store Pinger
}

// NewHealthHandler creates a HealthHandler. store may be nil, in which case
// the endpoint reports process liveness only.
func NewHealthHandler(store Pinger) *HealthHandler {
	return &HealthHandler{store: store}
}

// HealthCheck reports readiness.
// GET /health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusInternalServerError,
				map[string]any{"ok": false, "error": errStorageUnreachable})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
