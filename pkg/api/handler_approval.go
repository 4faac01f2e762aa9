package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/helix-runtime/helixd/pkg/models"
)

// pendingApprovalsHandler handles GET /api/v1/approvals.
func (s *Server) pendingApprovalsHandler(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return badRequest(c, "user_id is required")
	}
	return respond(c, http.StatusOK, s.gate.Pending(userID))
}

type decideApprovalRequest struct {
	Actor   string `json:"actor"`
	Approve bool   `json:"approve"`
	Reason  string `json:"reason"`
}

// decideApprovalHandler handles POST /api/v1/approvals/:id. The actor's role
// comes from the RBAC enforcer, never from the request body.
func (s *Server) decideApprovalHandler(c echo.Context) error {
	reqID := c.PathParam("id")
	if reqID == "" {
		return badRequest(c, "approval id is required")
	}
	var req decideApprovalRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Actor == "" {
		return badRequest(c, "actor is required")
	}

	role := models.RoleUser
	if s.enforcer != nil {
		role = s.enforcer.RoleOf(req.Actor)
	}
	status, err := s.gate.Decide(reqID, req.Actor, role, req.Approve, req.Reason)
	if err != nil {
		return respondError(c, err)
	}
	return respond(c, http.StatusOK, map[string]any{"req_id": reqID, "status": status})
}
