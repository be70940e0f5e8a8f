// Package http provides the HTTP server for the session host.
package http

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/durasess/durasess/internal/orchestrator"
	"github.com/durasess/durasess/internal/transport/http/internalapi"
)

// NewInternalServer creates and configures the internal-facing HTTP
// server. It carries worker pushes (messages, beacons) and the
// operator-facing session surface (queries, tool decisions).
func NewInternalServer(hub *orchestrator.Hub, logs internalapi.LogSource, pollMax time.Duration) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// Handlers
	internalHandler := internalapi.NewHandler(hub, logs, pollMax)

	// Register Routes
	internalHandler.RegisterRoutes(e)

	return e
}
