package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// HealthResponse is returned by GET /health. Unauthenticated by design so
// peers and process supervisors can probe liveness.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	ChainLength   uint64 `json:"chain_length"`
	SyncConnected bool   `json:"sync_connected"`
}

func (s *Server) healthHandler(c echo.Context) error {
	resp := HealthResponse{
		Status:  "healthy",
		Version: s.version,
	}
	if s.recorder != nil {
		resp.ChainLength = s.recorder.Chain().Len()
	}
	if s.sync != nil {
		resp.SyncConnected = s.sync.Connected()
	}
	return respond(c, http.StatusOK, resp)
}
