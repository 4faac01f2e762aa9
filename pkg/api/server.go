// Package api exposes the runtime's HTTP and WebSocket surface. Every
// response uses the {ok, data, error} envelope; error kinds come verbatim
// from pkg/faults.
package api

import (
	"context"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/helix-runtime/helixd/pkg/approval"
	"github.com/helix-runtime/helixd/pkg/audit"
	"github.com/helix-runtime/helixd/pkg/config"
	"github.com/helix-runtime/helixd/pkg/models"
	"github.com/helix-runtime/helixd/pkg/rbac"
	"github.com/helix-runtime/helixd/pkg/router"
	"github.com/helix-runtime/helixd/pkg/sessions"
	"github.com/helix-runtime/helixd/pkg/syncengine"
	"github.com/helix-runtime/helixd/pkg/token"
)

// Server wires the runtime components behind the HTTP surface.
type Server struct {
	router   *router.Router
	sessions *sessions.Store
	sync     *syncengine.Engine
	gate     *approval.Gate
	guard    *config.Guard
	enforcer *rbac.Enforcer
	verifier *token.Verifier
	recorder *audit.Recorder
	memories MemoryStore
	version  string
	logger   *slog.Logger
}

// MemoryStore is the memory persistence slice the API needs. Implemented by
// pkg/store; may be nil, in which case memory methods report offline.
type MemoryStore interface {
	SearchMemories(ctx context.Context, userID, query string, limit int) ([]models.Memory, error)
	DeleteMemory(ctx context.Context, userID, id string) (int64, error)
}

// NewServer creates the API server.
func NewServer(
	r *router.Router,
	sess *sessions.Store,
	sync *syncengine.Engine,
	gate *approval.Gate,
	guard *config.Guard,
	enforcer *rbac.Enforcer,
	verifier *token.Verifier,
	recorder *audit.Recorder,
	memories MemoryStore,
	version string,
) *Server {
	return &Server{
		router:   r,
		sessions: sess,
		sync:     sync,
		gate:     gate,
		guard:    guard,
		enforcer: enforcer,
		verifier: verifier,
		recorder: recorder,
		memories: memories,
		version:  version,
		logger:   slog.Default().With("component", "api"),
	}
}

// Handler builds the echo engine with middleware and routes.
func (s *Server) Handler() http.Handler {
	e := echo.New()
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)

	v1 := e.Group("/api/v1", s.tokenAuth())
	v1.POST("/ops", s.executeOpHandler)
	v1.POST("/ops/stream", s.streamOpHandler)
	v1.POST("/sessions", s.createSessionHandler)
	v1.GET("/sessions", s.listSessionsHandler)
	v1.GET("/sessions/:id", s.getSessionHandler)
	v1.POST("/sessions/:id/resume", s.resumeSessionHandler)
	v1.POST("/sessions/:id/transfer", s.transferSessionHandler)
	v1.GET("/memories", s.searchMemoriesHandler)
	v1.DELETE("/memories/:id", s.deleteMemoryHandler)
	v1.GET("/approvals", s.pendingApprovalsHandler)
	v1.POST("/approvals/:id", s.decideApprovalHandler)
	v1.POST("/config", s.setConfigHandler)
	v1.GET("/chain/verify", s.verifyChainHandler)

	e.GET("/sync", s.syncWSHandler, s.tokenAuth())
	return e
}
