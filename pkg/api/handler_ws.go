package api

import (
	"context"
	"errors"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	echo "github.com/labstack/echo/v5"

	"github.com/helix-runtime/helixd/pkg/faults"
	"github.com/helix-runtime/helixd/pkg/models"
	"github.com/helix-runtime/helixd/pkg/syncengine"
)

var (
	errMissingDelta = errors.New("sync.change frame without delta")
	errUnknownFrame = errors.New("unknown sync message kind")
)

// syncWSHandler upgrades GET /sync to a WebSocket and serves the sync
// protocol to a peer device. The HTTP token middleware has already
// authenticated the connection; a redundant auth frame is tolerated.
func (s *Server) syncWSHandler(c echo.Context) error {
	if s.sync == nil {
		return respondError(c, faults.New(faults.KindOffline, "sync engine not configured"))
	}
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	defer conn.CloseNow()
	conn.SetReadLimit(8 << 20)

	ctx := c.Request().Context()
	for {
		var msg syncengine.Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return nil
		}
		if err := s.serveSyncFrame(ctx, conn, msg); err != nil {
			s.logger.Warn("Sync frame handling failed", "kind", msg.Kind, "error", err)
			_ = wsjson.Write(ctx, conn, syncengine.Message{
				Kind:      syncengine.KindError,
				SessionID: msg.SessionID,
				Error:     err.Error(),
			})
		}
	}
}

func (s *Server) serveSyncFrame(ctx context.Context, conn *websocket.Conn, msg syncengine.Message) error {
	switch msg.Kind {
	case syncengine.KindAuth:
		return nil
	case syncengine.KindSyncChange:
		if msg.Delta == nil {
			return errMissingDelta
		}
		// A client's change is a remote delta from this runtime's view.
		s.sync.HandleRemote(ctx, syncengine.Message{
			Kind:      syncengine.KindSyncDelta,
			SessionID: msg.SessionID,
			Delta:     msg.Delta,
		})
		if conflict := s.conflictFor(msg.Delta.ID); conflict != nil {
			return wsjson.Write(ctx, conn, syncengine.Message{
				Kind:      syncengine.KindSyncConflict,
				SessionID: msg.SessionID,
				Conflict:  conflict,
			})
		}
		return wsjson.Write(ctx, conn, syncengine.Message{
			Kind:      syncengine.KindSyncAck,
			SessionID: msg.SessionID,
			AckID:     msg.Delta.ID,
		})
	case syncengine.KindSyncAck, syncengine.KindResolveConflict:
		s.sync.HandleRemote(ctx, msg)
		return nil
	}
	return errUnknownFrame
}

func (s *Server) conflictFor(deltaID string) *models.Conflict {
	for _, c := range s.sync.Conflicts() {
		if c.Remote.ID == deltaID {
			return c
		}
	}
	return nil
}
