package internalapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/durasess/durasess/internal/domain"
)

// AcceptMessage receives one worker-pushed message. Duplicates are
// acknowledged with 200 and silently discarded; a seq gap is answered
// with 409 so the worker can surface the protocol violation.
// POST /internal/sessions/:session_id/messages
func (h *Handler) AcceptMessage(c echo.Context) error {
	sessionID := c.Param("session_id")
	var env domain.Envelope
	if err := c.Bind(&env); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	err := h.hub.Accept(c.Request().Context(), sessionID, env)
	if err != nil {
		var protoErr *domain.ProtocolError
		if errors.As(err, &protoErr) {
			return c.JSON(http.StatusConflict, map[string]string{"error": protoErr.Reason})
		}
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// AcceptBeacon persists a worker liveness checkpoint.
// POST /internal/sessions/:session_id/beacon
func (h *Handler) AcceptBeacon(c echo.Context) error {
	sessionID := c.Param("session_id")
	var cp domain.Checkpoint
	if err := c.Bind(&cp); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	cp.SessionID = sessionID

	if err := h.hub.Beacon(c.Request().Context(), cp); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// FailSession reports that the worker exhausted its restart attempts.
// POST /internal/sessions/:session_id/fail
func (h *Handler) FailSession(c echo.Context) error {
	sessionID := c.Param("session_id")
	var req struct {
		Error string `json:"error"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Error == "" {
		req.Error = "worker failed"
	}

	if err := h.hub.Fail(c.Request().Context(), sessionID, fmt.Errorf("%s", req.Error)); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// PollOutbound blocks until the session has an outbound envelope for the
// worker, answering 204 when none arrives within the poll window.
// GET /internal/sessions/:session_id/outbound
func (h *Handler) PollOutbound(c echo.Context) error {
	sessionID := c.Param("session_id")
	if _, ok := h.hub.Get(sessionID); !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown session"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), h.pollMax)
	defer cancel()

	env, err := h.hub.Outbound(ctx, sessionID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return c.NoContent(http.StatusNoContent)
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, env)
}

// AckedSeq returns the seq of the last terminal message the session's
// router accepted, the base a restarted worker numbers its next turn
// from.
// GET /internal/sessions/:session_id/acked
func (h *Handler) AckedSeq(c echo.Context) error {
	sessionID := c.Param("session_id")
	acked, err := h.hub.AckedSeq(sessionID)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]uint64{"acked_seq": acked})
}

// PendingQueries returns outbound queries whose turn has not completed,
// for a restarted worker to resume from.
// GET /internal/sessions/:session_id/pending
func (h *Handler) PendingQueries(c echo.Context) error {
	sessionID := c.Param("session_id")
	pending, err := h.hub.Unacknowledged(sessionID)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	if pending == nil {
		pending = []domain.Envelope{}
	}
	return c.JSON(http.StatusOK, pending)
}
