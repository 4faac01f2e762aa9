package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"
)

// verifyChainHandler handles GET /api/v1/chain/verify.
func (s *Server) verifyChainHandler(c echo.Context) error {
	chainStore := s.recorder.Chain()

	from := uint64(1)
	to := chainStore.Len()
	if v := c.QueryParam("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n == 0 {
			return badRequest(c, "from must be a positive sequence number")
		}
		from = n
	}
	if v := c.QueryParam("to"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return badRequest(c, "to must be a sequence number")
		}
		to = n
	}
	if to != 0 && to < from {
		return badRequest(c, "to must be >= from")
	}

	return respond(c, http.StatusOK, chainStore.Verify(from, to))
}
