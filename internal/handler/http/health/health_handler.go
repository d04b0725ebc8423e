// Package health serves the liveness and readiness probes on the
// monitor listener.
package health

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/atomic"
)

// HealthHandler answers the probe endpoints from the shared readiness
// flag owned by the application lifecycle.
type HealthHandler struct {
	readiness *atomic.Bool
}

// NewHealthHandler creates the handler around the readiness flag.
func NewHealthHandler(readiness *atomic.Bool) *HealthHandler {
	return &HealthHandler{
		readiness: readiness,
	}
}

// HandleLiveness handles GET /healthz. It always returns 200: the
// process being able to answer is the signal.
func (h *HealthHandler) HandleLiveness(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// HandleReadiness handles GET /readyz: 200 while the server accepts
// traffic, 503 before startup completes and during shutdown drain.
func (h *HealthHandler) HandleReadiness(c echo.Context) error {
	if h.readiness.Load() {
		return c.NoContent(http.StatusOK)
	}
	return c.NoContent(http.StatusServiceUnavailable)
}
