package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helix-runtime/helixd/pkg/audit"
	"github.com/helix-runtime/helixd/pkg/chain"
	"github.com/helix-runtime/helixd/pkg/faults"
)

func newGuardWithChain(t *testing.T) (*Guard, *chain.Store) {
	t.Helper()
	dir := t.TempDir()
	cs, err := chain.Open(filepath.Join(dir, "chain.log"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	g, err := NewGuard(dir, audit.NewRecorder(cs, nil))
	require.NoError(t, err)
	return g, cs
}

func TestGuard_Set(t *testing.T) {
	t.Run("unprotected key needs no reason", func(t *testing.T) {
		g, _ := newGuardWithChain(t)
		require.NoError(t, g.Set(context.Background(), "admin-1", "theme", "dark", ""))
		v, ok := g.View().Get("theme")
		require.True(t, ok)
		assert.Equal(t, "dark", v)
	})

	t.Run("protected key without reason is refused", func(t *testing.T) {
		g, cs := newGuardWithChain(t)
		err := g.Set(context.Background(), "admin-1", "apiKey", "sk-new", "")
		require.Error(t, err)
		assert.Equal(t, faults.KindConfigRefused, faults.KindOf(err))

		_, ok := g.View().Get("apiKey")
		assert.False(t, ok, "value must not change on refusal")

		// The refusal itself is on the chain.
		e, ok := cs.Get(0)
		require.True(t, ok)
		var ev audit.Event
		require.NoError(t, json.Unmarshal(e.Payload, &ev))
		assert.Equal(t, audit.EventConfigRefused, ev.Kind)
	})

	t.Run("protected key change logs before flip and encrypts at rest", func(t *testing.T) {
		g, cs := newGuardWithChain(t)
		require.NoError(t, g.Set(context.Background(), "admin-1", "gatewayToken", "tok-123", "rotation"))

		v, ok := g.View().Get("gatewayToken")
		require.True(t, ok)
		assert.Equal(t, "tok-123", v)

		// Chain entry precedes the change with old/new hashes and the reason.
		e, ok := cs.Get(0)
		require.True(t, ok)
		var ev audit.Event
		require.NoError(t, json.Unmarshal(e.Payload, &ev))
		assert.Equal(t, audit.EventConfigChange, ev.Kind)
		assert.Equal(t, "gatewayToken", ev.Detail["key"])
		assert.Equal(t, "rotation", ev.Detail["reason"])
		assert.NotEmpty(t, ev.Detail["new_hash"])

		// The value on disk is ciphertext, not the token.
		raw, err := os.ReadFile(g.storePath)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "tok-123")
	})

	t.Run("view is copy-on-write", func(t *testing.T) {
		g, _ := newGuardWithChain(t)
		require.NoError(t, g.Set(context.Background(), "a", "theme", "dark", ""))
		before := g.View()
		require.NoError(t, g.Set(context.Background(), "a", "theme", "light", ""))

		v, _ := before.Get("theme")
		assert.Equal(t, "dark", v, "frozen view must not observe later writes")
		v, _ = g.View().Get("theme")
		assert.Equal(t, "light", v)
	})
}

func TestGuard_ReopenDecryptsProtectedValues(t *testing.T) {
	dir := t.TempDir()
	cs, err := chain.Open(filepath.Join(dir, "chain.log"))
	require.NoError(t, err)
	defer func() { _ = cs.Close() }()
	rec := audit.NewRecorder(cs, nil)

	g, err := NewGuard(dir, rec)
	require.NoError(t, err)
	require.NoError(t, g.Set(context.Background(), "admin-1", "secretKey", "s3cr3t", "initial"))

	g2, err := NewGuard(dir, rec)
	require.NoError(t, err)
	v, ok := g2.View().Get("secretKey")
	require.True(t, ok)
	assert.Equal(t, "s3cr3t", v)
}
