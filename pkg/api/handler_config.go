package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

type setConfigRequest struct {
	Actor  string `json:"actor"`
	Key    string `json:"key"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

// setConfigHandler handles POST /api/v1/config.
func (s *Server) setConfigHandler(c echo.Context) error {
	var req setConfigRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Actor == "" || req.Key == "" {
		return badRequest(c, "actor and key are required")
	}

	if err := s.guard.Set(c.Request().Context(), req.Actor, req.Key, req.Value, req.Reason); err != nil {
		return respondError(c, err)
	}
	return respond(c, http.StatusOK, map[string]any{"key": req.Key})
}
