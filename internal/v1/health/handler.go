// Package health exposes liveness and readiness HTTP endpoints, used by
// all three processes (Comet, Logic, Job). Liveness never checks
// dependencies; readiness reports the reachability of whichever remote
// stores a given process depends on.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chatfanout/platform/internal/v1/logging"
)

// Pinger is satisfied by any dependency this handler can probe (Redis,
// the durable store). Implementations must return quickly and must not
// panic on a dead connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler manages health check endpoints for a single process. checks maps
// a human-readable dependency name ("redis", "database") to the Pinger that
// verifies it; a process registers only the dependencies it actually uses.
type Handler struct {
	checks map[string]Pinger
}

// NewHandler creates a health handler for the given named dependencies.
// A nil Pinger for a name is treated as "not configured" and always
// reports healthy, matching the donor's single-instance-mode behavior.
func NewHandler(checks map[string]Pinger) *Handler {
	return &Handler{checks: checks}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. Returns 200 if the process is alive,
// independent of any dependency's state.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. Returns 200 only if every
// registered dependency answers within the probe deadline; 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.checks))
	allHealthy := true

	for name, pinger := range h.checks {
		status := "healthy"
		if pinger != nil {
			if err := pinger.Ping(ctx); err != nil {
				logging.Error(ctx, "dependency health check failed", zap.String("dependency", name), zap.Error(err))
				status = "unhealthy"
			}
		}
		checks[name] = status
		if status != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
