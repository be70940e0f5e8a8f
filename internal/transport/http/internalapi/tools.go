package internalapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/durasess/durasess/internal/domain"
)

// PendingTools lists suspended tool requests in arrival order.
// GET /internal/sessions/:session_id/tools
func (h *Handler) PendingTools(c echo.Context) error {
	sessionID := c.Param("session_id")
	handle, ok := h.hub.Get(sessionID)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown session"})
	}

	pending := handle.Orchestrator.PendingTools()
	if pending == nil {
		pending = []domain.ToolUseRequest{}
	}
	return c.JSON(http.StatusOK, pending)
}

// DecideTool applies an approve/deny decision to a suspended tool call.
// POST /internal/sessions/:session_id/tools/:tool_id/decide
func (h *Handler) DecideTool(c echo.Context) error {
	sessionID := c.Param("session_id")
	toolID := c.Param("tool_id")
	var req struct {
		Decision  string `json:"decision"`
		Result    string `json:"result"`
		Reason    string `json:"reason"`
		Interrupt bool   `json:"interrupt"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Decision != "approve" && req.Decision != "deny" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "decision must be approve or deny"})
	}

	handle, ok := h.hub.Get(sessionID)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown session"})
	}

	decision := domain.ToolDecision{
		Approve:   req.Decision == "approve",
		Result:    req.Result,
		Reason:    req.Reason,
		Interrupt: req.Interrupt,
	}
	if err := handle.Orchestrator.ResolvePendingTool(c.Request().Context(), toolID, decision); err != nil {
		if errors.Is(err, domain.ErrToolNotPending) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "tool call not pending"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}
