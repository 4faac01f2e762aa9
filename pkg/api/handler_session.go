package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/helix-runtime/helixd/pkg/faults"
	"github.com/helix-runtime/helixd/pkg/models"
)

type createSessionRequest struct {
	UserID string `json:"user_id"`
	Origin string `json:"origin"`
}

// createSessionHandler handles POST /api/v1/sessions.
func (s *Server) createSessionHandler(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.UserID == "" {
		return badRequest(c, "user_id is required")
	}
	origin := models.Origin(req.Origin)
	if origin == "" {
		origin = models.OriginLocal
	}

	sess, err := s.sessions.Create(c.Request().Context(), req.UserID, origin)
	if err != nil {
		return respondError(c, err)
	}
	return respond(c, http.StatusCreated, sess)
}

// listSessionsHandler handles GET /api/v1/sessions.
func (s *Server) listSessionsHandler(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return badRequest(c, "user_id is required")
	}
	return respond(c, http.StatusOK, s.sessions.List(userID))
}

// getSessionHandler handles GET /api/v1/sessions/:id.
func (s *Server) getSessionHandler(c echo.Context) error {
	id := c.PathParam("id")
	if id == "" {
		return badRequest(c, "session id is required")
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		return c.JSON(http.StatusNotFound, Envelope{
			Error: &APIError{Kind: "not_found", Message: "unknown session " + id},
		})
	}
	return respond(c, http.StatusOK, sess)
}

// resumeSessionHandler handles POST /api/v1/sessions/:id/resume.
func (s *Server) resumeSessionHandler(c echo.Context) error {
	id := c.PathParam("id")
	if id == "" {
		return badRequest(c, "session id is required")
	}
	if s.sync == nil {
		return respondError(c, faults.New(faults.KindOffline, "sync engine not configured"))
	}
	if err := s.sync.Resume(c.Request().Context(), id); err != nil {
		return respondError(c, err)
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		return respondError(c, err)
	}
	return respond(c, http.StatusOK, sess)
}

type transferSessionRequest struct {
	ToOrigin string `json:"to_origin"`
}

// transferSessionHandler handles POST /api/v1/sessions/:id/transfer.
func (s *Server) transferSessionHandler(c echo.Context) error {
	id := c.PathParam("id")
	if id == "" {
		return badRequest(c, "session id is required")
	}
	var req transferSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.ToOrigin == "" {
		return badRequest(c, "to_origin is required")
	}
	if s.sync == nil {
		return respondError(c, faults.New(faults.KindOffline, "sync engine not configured"))
	}
	if err := s.sync.Transfer(c.Request().Context(), id, models.Origin(req.ToOrigin)); err != nil {
		return respondError(c, err)
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		return respondError(c, err)
	}
	return respond(c, http.StatusOK, sess)
}
