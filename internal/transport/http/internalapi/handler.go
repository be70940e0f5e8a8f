// Package internalapi provides HTTP handlers for the session host's
// internal APIs. The worker side pushes messages and beacons here; the
// operator side creates sessions, submits queries and decides tool calls.
package internalapi

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/durasess/durasess/internal/domain"
	"github.com/durasess/durasess/internal/orchestrator"
)

// LogSource reads the orchestrator-owned session log.
type LogSource interface {
	GetLog(ctx context.Context, sessionID string) ([]domain.LogEntry, error)
}

// Handler handles internal HTTP requests.
type Handler struct {
	hub     *orchestrator.Hub
	logs    LogSource
	pollMax time.Duration
}

// NewHandler creates a new internal API handler. pollMax bounds how long
// an outbound poll blocks before answering 204.
func NewHandler(hub *orchestrator.Hub, logs LogSource, pollMax time.Duration) *Handler {
	if pollMax <= 0 {
		pollMax = 30 * time.Second
	}
	return &Handler{hub: hub, logs: logs, pollMax: pollMax}
}

// RegisterRoutes registers internal routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Session management
	e.POST("/internal/sessions", h.CreateSession)
	e.POST("/internal/sessions/:session_id/queries", h.SubmitQuery)
	e.GET("/internal/sessions/:session_id/log", h.GetLog)

	// Worker push
	e.POST("/internal/sessions/:session_id/messages", h.AcceptMessage)
	e.POST("/internal/sessions/:session_id/beacon", h.AcceptBeacon)
	e.POST("/internal/sessions/:session_id/fail", h.FailSession)
	e.GET("/internal/sessions/:session_id/outbound", h.PollOutbound)
	e.GET("/internal/sessions/:session_id/pending", h.PendingQueries)
	e.GET("/internal/sessions/:session_id/acked", h.AckedSeq)

	// Tool decisions
	e.GET("/internal/sessions/:session_id/tools", h.PendingTools)
	e.POST("/internal/sessions/:session_id/tools/:tool_id/decide", h.DecideTool)
}
