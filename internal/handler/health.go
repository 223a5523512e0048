package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/zrchat/zrchat-client/internal/gateway"
)

// Reachability reports the last known backend state.
type Reachability interface {
	Connected() bool
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	pinger  gateway.Pinger
	monitor Reachability
	timeout time.Duration
}

// NewHealthHandler creates a new health handler. With a monitor, readiness
// follows its last check; otherwise each probe pings the backend.
func NewHealthHandler(p gateway.Pinger, monitor Reachability) *HealthHandler {
	return &HealthHandler{
		pinger:  p,
		monitor: monitor,
		timeout: 3 * time.Second,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.monitor != nil {
		if !h.monitor.Connected() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": "backend unreachable",
			})
			return
		}
	} else if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": err.Error(),
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
