package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/wayfare/internal/health"
)

// HealthHandlers provides liveness and readiness endpoints.
type HealthHandlers struct {
	checkers map[string]health.Checker
	timeout  time.Duration
	logger   *slog.Logger
}

// NewHealthHandlers creates health handlers. checkers maps a dependency name
// ("database", "redis") to its checker; nil checkers are not reported.
func NewHealthHandlers(checkers map[string]health.Checker, logger *slog.Logger) *HealthHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandlers{checkers: checkers, timeout: health.DefaultTimeout, logger: logger}
}

// HealthResponse represents the JSON response for health checks.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health (liveness probe).
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Checks:    map[string]string{"runtime": health.StatusOK},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready (readiness probe). Returns 503 when any
// configured dependency fails its check.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	report := health.Run(r.Context(), h.checkers, h.timeout, h.logger)

	status := "healthy"
	code := http.StatusOK
	if !report.Healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, HealthResponse{
		Status:    status,
		Checks:    report.Checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
