package api

import (
	"encoding/json"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/helix-runtime/helixd/pkg/models"
)

// executeOpHandler handles POST /api/v1/ops.
func (s *Server) executeOpHandler(c echo.Context) error {
	var req models.OperationRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.UserID == "" {
		return badRequest(c, "user_id is required")
	}
	if !models.ValidOpKind(req.OpKind) {
		return badRequest(c, "unknown op_kind: "+string(req.OpKind))
	}

	out, err := s.router.Execute(c.Request().Context(), req)
	if err != nil {
		return respondError(c, err)
	}
	return respond(c, http.StatusOK, out)
}

// streamChunk is one newline-delimited JSON line of a streaming response.
// Delta lines arrive first; the final line carries the envelope.
type streamChunk struct {
	Delta string    `json:"delta,omitempty"`
	Done  *Envelope `json:"done,omitempty"`
}

// streamOpHandler handles POST /api/v1/ops/stream with an NDJSON body.
func (s *Server) streamOpHandler(c echo.Context) error {
	var req models.OperationRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.UserID == "" {
		return badRequest(c, "user_id is required")
	}
	if !models.ValidOpKind(req.OpKind) {
		return badRequest(c, "unknown op_kind: "+string(req.OpKind))
	}

	resp := c.Response()
	enc := json.NewEncoder(resp)
	started := false
	emit := func(delta string) {
		if !started {
			resp.Header().Set("Content-Type", "application/x-ndjson")
			resp.WriteHeader(http.StatusOK)
			started = true
		}
		_ = enc.Encode(streamChunk{Delta: delta})
		resp.Flush()
	}

	out, err := s.router.ExecuteStream(c.Request().Context(), req, emit)
	if err != nil {
		if !started {
			return respondError(c, err)
		}
		// Headers are gone; the error travels as the final chunk.
		_ = enc.Encode(streamChunk{Done: errorEnvelope(err)})
		resp.Flush()
		return nil
	}
	if !started {
		resp.Header().Set("Content-Type", "application/x-ndjson")
		resp.WriteHeader(http.StatusOK)
	}
	_ = enc.Encode(streamChunk{Done: &Envelope{OK: true, Data: out}})
	resp.Flush()
	return nil
}
