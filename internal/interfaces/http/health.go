package http

import (
	"net/http"
	"time"
)

// Health handles GET /health. It reports degraded, still with 200, while any breaker is unhealthy.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:         "healthy",
		Timestamp:      time.Now().UTC(),
		Version:        h.deps.Version,
		Uptime:         time.Since(h.started).Round(time.Second).String(),
		TrackedSymbols: len(h.deps.Engine.Symbols()),
	}
	if h.deps.Breakers != nil {
		resp.Circuits = h.deps.Breakers.Stats()
		if !h.deps.Breakers.IsHealthy() {
			resp.Status = "degraded"
			resp.Unhealthy = h.deps.Breakers.Unhealthy()
		}
	}
	if h.limiter != nil {
		sum := h.limiter.Summary()
		resp.RateLimit = &sum
	}
	h.writeJSON(w, http.StatusOK, resp)
}
