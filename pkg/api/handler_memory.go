package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/helix-runtime/helixd/pkg/faults"
)

// searchMemoriesHandler handles GET /api/v1/memories.
func (s *Server) searchMemoriesHandler(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return badRequest(c, "user_id is required")
	}
	if s.memories == nil {
		return respondError(c, faults.New(faults.KindOffline, "memory store not configured"))
	}
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			return badRequest(c, "limit must be 1..500")
		}
		limit = n
	}

	hits, err := s.memories.SearchMemories(c.Request().Context(), userID, c.QueryParam("query"), limit)
	if err != nil {
		return respondError(c, err)
	}
	return respond(c, http.StatusOK, hits)
}

// deleteMemoryHandler handles DELETE /api/v1/memories/:id.
func (s *Server) deleteMemoryHandler(c echo.Context) error {
	id := c.PathParam("id")
	userID := c.QueryParam("user_id")
	if id == "" || userID == "" {
		return badRequest(c, "memory id and user_id are required")
	}
	if s.memories == nil {
		return respondError(c, faults.New(faults.KindOffline, "memory store not configured"))
	}

	n, err := s.memories.DeleteMemory(c.Request().Context(), userID, id)
	if err != nil {
		return respondError(c, err)
	}
	if n == 0 {
		return c.JSON(http.StatusNotFound, Envelope{
			Error: &APIError{Kind: "not_found", Message: "unknown memory " + id},
		})
	}
	return respond(c, http.StatusOK, map[string]any{"deleted": n})
}
