// Package monitor runs the operations listener. It is separate from
// the served application port: an Echo instance exposing the health
// probes, the prometheus metrics and the worker table, enabled by
// setting http.monitor_port in the configuration.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/atomic"

	httpiface "github.com/nesta-server/nesta/internal/handler/http/interface"
	"github.com/nesta-server/nesta/pkg/logger"
)

// Server is the monitor listener.
type Server struct {
	echo *echo.Echo
	port int
}

// New wires the monitor Echo instance: panic recovery, the readiness
// gate, the prometheus middleware, the /metrics endpoint and the
// routes of every handler.
func New(port int, readiness *atomic.Bool, handlers ...httpiface.HttpRouter) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())

	// Probes and metrics stay reachable while the server drains;
	// everything else is refused once readiness drops.
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !readiness.Load() {
				p := c.Request().URL.Path
				if p != "/healthz" && p != "/readyz" && p != "/metrics" {
					return c.NoContent(http.StatusServiceUnavailable)
				}
			}
			return next(c)
		}
	})

	e.Use(echoprometheus.NewMiddleware("nesta"))
	e.GET("/metrics", echoprometheus.NewHandler())

	for _, h := range handlers {
		h.SetupRoutes(e)
	}

	return &Server{echo: e, port: port}
}

// Start serves until Shutdown closes the listener. The closed-server
// error that ends a graceful shutdown is not reported.
func (s *Server) Start() error {
	logger.Trace("monitor port: %d listening ...", s.port)
	if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("monitor: %w", err)
	}
	return nil
}

// Addr returns the bound listener address, nil before Start.
func (s *Server) Addr() net.Addr {
	return s.echo.ListenerAddr()
}

// Shutdown stops the listener, waiting for in-flight requests until the
// context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
