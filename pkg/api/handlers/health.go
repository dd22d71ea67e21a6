package handlers

import (
	"net/http"
	"time"
)

// Probe reports the readiness of one dependency (database, blob store).
type Probe func() error

// HealthHandler serves liveness and readiness endpoints.
type HealthHandler struct {
	probes map[string]Probe
}

// NewHealthHandler creates a health handler with named readiness probes.
// Probes may be nil for a process that is ready as soon as it serves.
func NewHealthHandler(probes map[string]Probe) *HealthHandler {
	return &HealthHandler{probes: probes}
}

// Liveness handles GET /health: the process is up.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, Response{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
	})
}

// Readiness handles GET /health/ready: every registered probe passes.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]string, len(h.probes))
	healthy := true
	for name, probe := range h.probes {
		if err := probe(); err != nil {
			results[name] = err.Error()
			healthy = false
		} else {
			results[name] = "ok"
		}
	}

	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "error"
	}
	JSON(w, status, Response{
		Status:    state,
		Timestamp: time.Now().UTC(),
		Data:      results,
	})
}
