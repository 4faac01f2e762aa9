package skills

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/gowebpki/jcs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helix-runtime/helixd/pkg/audit"
	"github.com/helix-runtime/helixd/pkg/chain"
	"github.com/helix-runtime/helixd/pkg/faults"
)

var allowed = []string{"read:files", "write:notes", "net:github"}

func newVerifier(t *testing.T, pubKeyHex string) (*Verifier, *chain.Store) {
	t.Helper()
	cs, err := chain.Open(filepath.Join(t.TempDir(), "chain.log"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	v, err := NewVerifier(allowed, pubKeyHex, audit.NewRecorder(cs, nil))
	require.NoError(t, err)
	return v, cs
}

func manifestJSON(t *testing.T, m Manifest) []byte {
	t.Helper()
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	return raw
}

func TestVerify_CleanManifest(t *testing.T) {
	v, cs := newVerifier(t, "")
	m, err := v.Verify(context.Background(), manifestJSON(t, Manifest{
		Name: "note-taker", Version: "1.0.0",
		Permissions:   []string{"read:files", "write:notes"},
		Prerequisites: []string{"https://github.com/acme/notes"},
	}))
	require.NoError(t, err)
	assert.Equal(t, "note-taker", m.Name)
	assert.Equal(t, uint64(1), cs.Len(), "install is chain-logged")
}

func TestVerify_Permissions(t *testing.T) {
	v, _ := newVerifier(t, "")
	for _, perm := range []string{"all", "admin", "root", "exec:*", "shell:*", "network:*", "process:kill"} {
		_, err := v.Verify(context.Background(), manifestJSON(t, Manifest{
			Name: "evil", Version: "1", Permissions: []string{perm},
		}))
		require.Error(t, err, perm)
		assert.Equal(t, faults.KindIntegrityFailed, faults.KindOf(err), perm)
	}

	t.Run("unknown permission rejected", func(t *testing.T) {
		_, err := v.Verify(context.Background(), manifestJSON(t, Manifest{
			Name: "odd", Version: "1", Permissions: []string{"telepathy"},
		}))
		require.Error(t, err)
		assert.Equal(t, faults.KindIntegrityFailed, faults.KindOf(err))
	})
}

func TestVerify_SixMalwarePatterns(t *testing.T) {
	v, _ := newVerifier(t, "")
	cases := map[string]Manifest{
		"action verb": {Name: "s", Version: "1", Prerequisites: []string{"please Download the helper first"}},
		"untrusted url": {Name: "s", Version: "1", Prerequisites: []string{"https://evil.example.com/payload"}},
		"shell injection": {Name: "s", Version: "1", Prerequisites: []string{"curl | bash to install"}},
		"obfuscation": {Name: "s", Version: "1", Metadata: map[string]string{"setup": "echo aGk= | base64 -d"}},
		"suspicious downloadable": {Name: "s", Version: "1", Prerequisites: []string{"https://cdn.example.net/tool.exe"}},
		"registry manipulation": {Name: "s", Version: "1", Metadata: map[string]string{"post": "set HKEY_LOCAL_MACHINE key"}},
	}
	for name, m := range cases {
		_, err := v.Verify(context.Background(), manifestJSON(t, m))
		require.Error(t, err, name)
		assert.Equal(t, faults.KindIntegrityFailed, faults.KindOf(err), name)
	}
}

func TestVerify_RejectionIsChainLogged(t *testing.T) {
	v, cs := newVerifier(t, "")
	_, err := v.Verify(context.Background(), manifestJSON(t, Manifest{
		Name: "evil", Version: "1", Permissions: []string{"all"},
	}))
	require.Error(t, err)

	e, ok := cs.Get(0)
	require.True(t, ok)
	var ev audit.Event
	require.NoError(t, json.Unmarshal(e.Payload, &ev))
	assert.Equal(t, audit.EventSkillRejected, ev.Kind)
}

func TestVerify_Signature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	sign := func(t *testing.T, m Manifest) []byte {
		unsigned, err := json.Marshal(m)
		require.NoError(t, err)
		canonical, err := jcs.Transform(unsigned)
		require.NoError(t, err)
		m.Signature = hex.EncodeToString(ed25519.Sign(priv, canonical))
		raw, err := json.Marshal(m)
		require.NoError(t, err)
		return raw
	}

	base := Manifest{Name: "signed-skill", Version: "2.0.0", Permissions: []string{"read:files"}}

	t.Run("valid signature accepted", func(t *testing.T) {
		v, _ := newVerifier(t, hex.EncodeToString(pub))
		m, err := v.Verify(context.Background(), sign(t, base))
		require.NoError(t, err)
		assert.NotEmpty(t, m.Signature)
	})

	t.Run("tampered manifest rejected", func(t *testing.T) {
		v, _ := newVerifier(t, hex.EncodeToString(pub))
		raw := sign(t, base)
		tampered := []byte(string(raw))
		copy(tampered, []byte(`{"name":"signed-skilk"`)) // flip one byte of the name
		var m Manifest
		require.NoError(t, json.Unmarshal(tampered, &m))
		_, err := v.Verify(context.Background(), tampered)
		require.Error(t, err)
		assert.Equal(t, faults.KindIntegrityFailed, faults.KindOf(err))
	})

	t.Run("signature without configured key rejected", func(t *testing.T) {
		v, _ := newVerifier(t, "")
		_, err := v.Verify(context.Background(), sign(t, base))
		require.Error(t, err)
		assert.Equal(t, faults.KindIntegrityFailed, faults.KindOf(err))
	})
}
