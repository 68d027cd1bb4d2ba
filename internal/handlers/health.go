package handlers

import (
	"net/http"
)

type healthResponse struct {
	Status      string            `json:"status"`
	Version     string            `json:"version"`
	Environment string            `json:"environment"`
	Checks      map[string]string `json:"checks"`
}

// Health reports service liveness plus the state of the stores and the
// circuit breaker. A degraded dependency downgrades the status without
// failing the endpoint.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := make(map[string]string, 3)
	status := "healthy"

	if err := h.store.Ping(ctx); err != nil {
		checks["rate_limit_store"] = "unavailable"
		status = "degraded"
	} else {
		checks["rate_limit_store"] = "ok"
	}

	if err := h.ledger.Ping(ctx); err != nil {
		checks["cost_ledger"] = "unavailable"
		status = "degraded"
	} else {
		checks["cost_ledger"] = "ok"
	}

	breakerState := h.invoker.BreakerState()
	checks["upstream_circuit"] = breakerState
	if breakerState == "open" {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:      status,
		Version:     h.cfg.App.Version,
		Environment: h.cfg.App.Environment,
		Checks:      checks,
	})
}
