// Package httpiface defines the route registration interface the
// monitor listener uses to mount its endpoint handlers.
package httpiface

import "github.com/labstack/echo/v4"

// HttpRouter is implemented by every monitor endpoint handler so the
// listener can mount them without knowing their concrete types.
type HttpRouter interface {
	// SetupRoutes registers the handler's routes with the Echo instance.
	SetupRoutes(e *echo.Echo)
}
