// Package handlers provides HTTP request handlers.
package handlers

import (
	"net/http"
	"time"

	"github.com/sagaflow/sagaflow/pkg/api/response"
)

// ReadinessCheck is one named dependency probe run on /ready.
type ReadinessCheck struct {
	Name  string
	Check func() error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version string
	started time.Time
	checks  []ReadinessCheck
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string, checks ...ReadinessCheck) *HealthHandler {
	return &HealthHandler{
		version: version,
		started: time.Now().UTC(),
		checks:  checks,
	}
}

// Health handles the /health endpoint (liveness probe).
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Ready handles the /ready endpoint (readiness probe).
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	for _, check := range h.checks {
		if err := check.Check(); err != nil {
			response.JSON(w, http.StatusServiceUnavailable, map[string]any{
				"ready":  false,
				"failed": check.Name,
				"error":  err.Error(),
			})
			return
		}
	}
	response.JSON(w, http.StatusOK, map[string]bool{
		"ready": true,
	})
}

// Status handles the /status endpoint (detailed status).
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	components := make(map[string]string, len(h.checks))
	for _, check := range h.checks {
		if err := check.Check(); err != nil {
			components[check.Name] = err.Error()
			continue
		}
		components[check.Name] = "ok"
	}

	response.JSON(w, http.StatusOK, map[string]any{
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"components":     components,
	})
}
