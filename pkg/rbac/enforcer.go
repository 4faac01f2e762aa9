// Package rbac enforces the role ladder and detects privilege escalation
// attempts. Every flagged attempt lands on the chain and the alerts channel.
package rbac

import (
	"context"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/helix-runtime/helixd/pkg/audit"
	"github.com/helix-runtime/helixd/pkg/faults"
	"github.com/helix-runtime/helixd/pkg/models"
	"github.com/helix-runtime/helixd/pkg/webhook"
)

var dangerousToolRe = regexp.MustCompile(`(?i)^(exec|shell|eval|compile)\b`)

// ExecRequest is a capability-checked action.
type ExecRequest struct {
	UserID       string
	Tool         string
	Capabilities []string // capabilities the request claims to need
	ExecPath     string   // where code would run, empty when not executing
	Target       string   // execution target host
}

// Enforcer holds role grants. Scopes are checked per grant and never merged
// across grants.
type Enforcer struct {
	mu            sync.RWMutex
	grants        map[string][]models.RoleGrant
	recorder      *audit.Recorder
	containerRoot string
	logger        *slog.Logger
}

// NewEnforcer creates an enforcer. containerRoot is the directory sandboxed
// execution is confined to; empty disables detector (c).
func NewEnforcer(recorder *audit.Recorder, containerRoot string) *Enforcer {
	return &Enforcer{
		grants:        make(map[string][]models.RoleGrant),
		recorder:      recorder,
		containerRoot: containerRoot,
		logger:        slog.Default().With("component", "rbac"),
	}
}

// Grant assigns a role to a user. Role changes are chain-logged before they
// take effect.
func (e *Enforcer) Grant(ctx context.Context, actor string, grant models.RoleGrant) error {
	if e.recorder != nil {
		_, err := e.recorder.PreExec(ctx, webhook.ChannelCommands, audit.Event{
			Kind:  audit.EventRoleChange,
			Actor: actor,
			Detail: map[string]any{
				"user_id": grant.UserID,
				"role":    string(grant.Role),
				"scopes":  strings.Join(grant.Scopes, ","),
			},
		})
		if err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.grants[grant.UserID] = append(e.grants[grant.UserID], grant)
	e.mu.Unlock()
	return nil
}

// RoleOf returns the user's highest granted role, defaulting to user.
func (e *Enforcer) RoleOf(userID string) models.Role {
	e.mu.RLock()
	defer e.mu.RUnlock()
	role := models.RoleUser
	for _, g := range e.grants[userID] {
		if g.Role.AtLeast(role) {
			role = g.Role
		}
	}
	return role
}

// HasScopes reports whether a single grant carries every requested scope.
// Scopes from different grants do not combine.
func (e *Enforcer) HasScopes(userID string, scopes []string) bool {
	if len(scopes) == 0 {
		return true
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, g := range e.grants[userID] {
		if containsAll(g.Scopes, scopes) {
			return true
		}
	}
	return false
}

func containsAll(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, s := range have {
		set[s] = true
	}
	for _, s := range want {
		if !set[s] {
			return false
		}
	}
	return true
}

// Authorize runs the escalation detectors against req. Any flag emits a
// high-severity chain entry plus an alerts post and blocks the action.
func (e *Enforcer) Authorize(ctx context.Context, req ExecRequest) error {
	role := e.RoleOf(req.UserID)

	// (d) Gateway-host execution targets are a known exploit pattern and are
	// blocked for every role.
	if req.Target == "gateway-host" {
		return e.block(ctx, req, role, "gateway-host execution target")
	}

	// (a) Capabilities not covered by any single grant.
	if !e.HasScopes(req.UserID, req.Capabilities) {
		return e.block(ctx, req, role, "capability addition outside granted scopes")
	}

	// (b) Dangerous tools below admin.
	if dangerousToolRe.MatchString(req.Tool) && !role.AtLeast(models.RoleAdmin) {
		return e.block(ctx, req, role, "dangerous tool requires admin")
	}

	// (c) Execution outside the configured container below admin.
	if req.ExecPath != "" && e.containerRoot != "" &&
		!pathWithin(e.containerRoot, req.ExecPath) && role != models.RoleAdmin {
		return e.block(ctx, req, role, "execution outside container")
	}
	return nil
}

// pathWithin reports whether path is root or lies under it. Both sides are
// cleaned first so "/opt/container-evil" and "/opt/container/../../etc" do
// not pass a "/opt/container" root.
func pathWithin(root, path string) bool {
	root = filepath.Clean(root)
	path = filepath.Clean(path)
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

func (e *Enforcer) block(ctx context.Context, req ExecRequest, role models.Role, reason string) error {
	e.logger.Warn("Escalation attempt blocked",
		"user_id", req.UserID, "tool", req.Tool, "reason", reason)
	if e.recorder != nil {
		// The block stands regardless of sink availability; record best
		// effort but do not mask the escalation error.
		_, _ = e.recorder.PreExec(ctx, webhook.ChannelAlerts, audit.Event{
			Kind:  audit.EventEscalation,
			Actor: req.UserID,
			Detail: map[string]any{
				"severity": "high",
				"tool":     req.Tool,
				"role":     string(role),
				"reason":   reason,
			},
		})
	}
	return faults.New(faults.KindEscalationBlocked, "%s", reason)
}
