package internalapi

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/durasess/durasess/internal/domain"
	"github.com/durasess/durasess/internal/orchestrator"
)

// CreateSession opens a session, minting an id when none is supplied.
// POST /internal/sessions
func (h *Handler) CreateSession(c echo.Context) error {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.SessionID == "" {
		req.SessionID = orchestrator.NewSessionID()
	}

	ctx := c.Request().Context()
	handle, err := h.hub.Open(ctx, req.SessionID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	session, err := handle.Orchestrator.Session(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, session)
}

// SubmitQuery starts a turn for the session. The turn runs
// asynchronously; its messages land in the session log.
// POST /internal/sessions/:session_id/queries
func (h *Handler) SubmitQuery(c echo.Context) error {
	sessionID := c.Param("session_id")
	var req struct {
		Text string `json:"text"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Text == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "text is required"})
	}

	handle, ok := h.hub.Get(sessionID)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown session"})
	}

	// Detach from the request context: the turn outlives this request.
	stream, err := handle.Orchestrator.SendQuery(context.WithoutCancel(c.Request().Context()), req.Text)
	if err != nil {
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}
	go func() {
		for range stream {
		}
	}()

	return c.JSON(http.StatusAccepted, map[string]string{"session_id": sessionID})
}

// GetLog returns the session message log, oldest first.
// GET /internal/sessions/:session_id/log
func (h *Handler) GetLog(c echo.Context) error {
	sessionID := c.Param("session_id")
	entries, err := h.logs.GetLog(c.Request().Context(), sessionID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if entries == nil {
		entries = []domain.LogEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}
