package rbac

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helix-runtime/helixd/pkg/audit"
	"github.com/helix-runtime/helixd/pkg/chain"
	"github.com/helix-runtime/helixd/pkg/faults"
	"github.com/helix-runtime/helixd/pkg/models"
)

func newEnforcer(t *testing.T) (*Enforcer, *chain.Store) {
	t.Helper()
	cs, err := chain.Open(filepath.Join(t.TempDir(), "chain.log"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return NewEnforcer(audit.NewRecorder(cs, nil), "/var/lib/helixd/sandbox"), cs
}

func TestRoleLadder(t *testing.T) {
	e, _ := newEnforcer(t)
	ctx := context.Background()
	require.NoError(t, e.Grant(ctx, "admin", models.RoleGrant{UserID: "u1", Role: models.RoleOperator}))
	require.NoError(t, e.Grant(ctx, "admin", models.RoleGrant{UserID: "u1", Role: models.RoleApprover}))

	assert.Equal(t, models.RoleApprover, e.RoleOf("u1"))
	assert.Equal(t, models.RoleUser, e.RoleOf("unknown"))
	assert.True(t, e.RoleOf("u1").AtLeast(models.RoleOperator))
	assert.False(t, e.RoleOf("u1").AtLeast(models.RoleAdmin))
}

func TestScopesNeverMergeAcrossGrants(t *testing.T) {
	e, _ := newEnforcer(t)
	ctx := context.Background()
	require.NoError(t, e.Grant(ctx, "admin", models.RoleGrant{
		UserID: "u1", Role: models.RoleOperator, Scopes: []string{"files:read"},
	}))
	require.NoError(t, e.Grant(ctx, "admin", models.RoleGrant{
		UserID: "u1", Role: models.RoleOperator, Scopes: []string{"files:write"},
	}))

	assert.True(t, e.HasScopes("u1", []string{"files:read"}))
	assert.True(t, e.HasScopes("u1", []string{"files:write"}))
	assert.False(t, e.HasScopes("u1", []string{"files:read", "files:write"}),
		"scopes from separate grants must not combine")
}

func TestAuthorize_Detectors(t *testing.T) {
	e, cs := newEnforcer(t)
	ctx := context.Background()
	require.NoError(t, e.Grant(ctx, "admin", models.RoleGrant{
		UserID: "op", Role: models.RoleOperator, Scopes: []string{"notes:write"},
	}))
	require.NoError(t, e.Grant(ctx, "admin", models.RoleGrant{
		UserID: "root-user", Role: models.RoleAdmin, Scopes: []string{"notes:write"},
	}))
	grantEntries := cs.Len()

	t.Run("capability outside grants", func(t *testing.T) {
		err := e.Authorize(ctx, ExecRequest{UserID: "op", Tool: "notes", Capabilities: []string{"secrets:read"}})
		require.Error(t, err)
		assert.Equal(t, faults.KindEscalationBlocked, faults.KindOf(err))
	})

	t.Run("dangerous tool below admin", func(t *testing.T) {
		err := e.Authorize(ctx, ExecRequest{UserID: "op", Tool: "shell", Capabilities: []string{"notes:write"}})
		require.Error(t, err)
		assert.Equal(t, faults.KindEscalationBlocked, faults.KindOf(err))
	})

	t.Run("dangerous tool allowed for admin", func(t *testing.T) {
		err := e.Authorize(ctx, ExecRequest{UserID: "root-user", Tool: "exec", Capabilities: []string{"notes:write"}})
		assert.NoError(t, err)
	})

	t.Run("execution outside container below admin", func(t *testing.T) {
		err := e.Authorize(ctx, ExecRequest{
			UserID: "op", Tool: "notes", Capabilities: []string{"notes:write"},
			ExecPath: "/tmp/evil",
		})
		require.Error(t, err)
		assert.Equal(t, faults.KindEscalationBlocked, faults.KindOf(err))
	})

	t.Run("sibling directory sharing the root prefix is outside", func(t *testing.T) {
		err := e.Authorize(ctx, ExecRequest{
			UserID: "op", Tool: "notes", Capabilities: []string{"notes:write"},
			ExecPath: "/var/lib/helixd/sandbox-evil/job-1",
		})
		require.Error(t, err)
		assert.Equal(t, faults.KindEscalationBlocked, faults.KindOf(err))
	})

	t.Run("dot-dot traversal out of the root is outside", func(t *testing.T) {
		err := e.Authorize(ctx, ExecRequest{
			UserID: "op", Tool: "notes", Capabilities: []string{"notes:write"},
			ExecPath: "/var/lib/helixd/sandbox/../../../etc",
		})
		require.Error(t, err)
		assert.Equal(t, faults.KindEscalationBlocked, faults.KindOf(err))
	})

	t.Run("gateway-host target blocked for all roles", func(t *testing.T) {
		err := e.Authorize(ctx, ExecRequest{
			UserID: "root-user", Tool: "notes", Capabilities: []string{"notes:write"},
			Target: "gateway-host",
		})
		require.Error(t, err)
		assert.Equal(t, faults.KindEscalationBlocked, faults.KindOf(err))
	})

	t.Run("clean request passes", func(t *testing.T) {
		err := e.Authorize(ctx, ExecRequest{
			UserID: "op", Tool: "notes", Capabilities: []string{"notes:write"},
			ExecPath: "/var/lib/helixd/sandbox/job-1",
		})
		assert.NoError(t, err)
	})

	// Six blocks above, each with a high-severity chain entry.
	blocked := cs.Len() - grantEntries
	assert.Equal(t, uint64(6), blocked)
	e2, ok := cs.Get(grantEntries)
	require.True(t, ok)
	var ev audit.Event
	require.NoError(t, json.Unmarshal(e2.Payload, &ev))
	assert.Equal(t, audit.EventEscalation, ev.Kind)
	assert.Equal(t, "high", ev.Detail["severity"])
}
