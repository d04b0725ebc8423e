package workers

import (
	"github.com/labstack/echo/v4"
)

// SetupRoutes registers the worker table route with the Echo instance.
func (h *WorkersHandler) SetupRoutes(e *echo.Echo) {
	e.GET("/workers", h.HandleWorkers)
}
