package server

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/convoyhq/convoy/internal/orchestrator"
	"github.com/convoyhq/convoy/internal/safety"
	"github.com/convoyhq/convoy/pkg/models"
)

// submitRequest is the body for workflow submission.
type submitRequest struct {
	UserID      string `json:"user_id"`
	InputText   string `json:"input_text"`
	ContextHint string `json:"context_hint,omitempty"`
}

// resolveRequest is the body for an approval decision.
type resolveRequest struct {
	Decision string `json:"decision"`
}

// SubmitWorkflow runs one workflow synchronously and returns its outcome.
// (POST /api/v1/workflows)
func (s *Server) SubmitWorkflow(c echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.InputText) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id and input_text are required")
	}

	res, err := s.Orchestrator.Submit(c.Request().Context(), orchestrator.SubmitRequest{
		UserID:      req.UserID,
		InputText:   req.InputText,
		ContextHint: req.ContextHint,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	// A blocked result with no workflow id never started: the concurrency
	// cap rejected it before admission, so signal explicit backpressure.
	if res.Status == models.StatusQuotaBlocked && res.WorkflowID == "" {
		if res.RetryAfter != nil {
			c.Response().Header().Set("Retry-After", res.RetryAfter.UTC().Format(http.TimeFormat))
		}
		return c.JSON(http.StatusTooManyRequests, res)
	}
	if res.Status == models.StatusAwaitingApproval {
		return c.JSON(http.StatusAccepted, res)
	}
	return c.JSON(http.StatusOK, res)
}

// GetWorkflow returns the persisted record of a run.
// (GET /api/v1/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	run, err := s.Orchestrator.Run(c.Param("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, run)
}

// CancelWorkflow flags a run for cancellation before its next step.
// (DELETE /api/v1/workflows/:id)
func (s *Server) CancelWorkflow(c echo.Context) error {
	id := c.Param("id")
	run, err := s.Orchestrator.Run(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if run.Status.Terminal() {
		return echo.NewHTTPError(http.StatusConflict, "workflow already "+string(run.Status))
	}
	s.Orchestrator.Cancel(id)
	return c.JSON(http.StatusAccepted, map[string]string{"workflow_id": id, "status": "cancellation_requested"})
}

// ResolveAction applies an approver's decision to a pending action.
// (POST /api/v1/actions/:id/resolve)
func (s *Server) ResolveAction(c echo.Context) error {
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	decision := safety.Decision(req.Decision)
	if !decision.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, `decision must be "execute" or "reject"`)
	}

	outcome, err := s.Orchestrator.ResolvePending(c.Request().Context(), c.Param("id"), decision)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "pending action not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, outcome)
}

// GetAction returns a pending action's record.
// (GET /api/v1/actions/:id)
func (s *Server) GetAction(c echo.Context) error {
	action, ok := s.Orchestrator.PendingAction(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "pending action not found")
	}
	return c.JSON(http.StatusOK, action)
}

// UserQuota returns a user's current daily consumption and limits.
// (GET /api/v1/quota/users/:user_id)
func (s *Server) UserQuota(c echo.Context) error {
	status, err := s.Quota.UserStatus(c.Param("user_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, status)
}

// SystemQuota returns the current system-hour consumption and limits.
// (GET /api/v1/quota/system)
func (s *Server) SystemQuota(c echo.Context) error {
	status, err := s.Quota.SystemStatus()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, status)
}
