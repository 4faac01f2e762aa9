package supplychain

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/agext/levenshtein"
	"github.com/gowebpki/jcs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helix-runtime/helixd/pkg/faults"
)

func newVerifier(t *testing.T, pubKeyHex string) *Verifier {
	t.Helper()
	v, err := NewVerifier(
		[]string{"github.com", "registry.npmjs.org"},
		[]string{"left-pad", "requests"},
		pubKeyHex, nil)
	require.NoError(t, err)
	return v
}

func checksummed(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestVerifyArtifact(t *testing.T) {
	v := newVerifier(t, "")
	data := []byte("artifact bytes")
	ctx := context.Background()

	t.Run("clean artifact passes", func(t *testing.T) {
		err := v.VerifyArtifact(ctx, Artifact{
			Name: "totally-unrelated", Origin: "https://github.com/acme/pkg",
			Checksum: checksummed(data), Data: data,
		})
		assert.NoError(t, err)
	})

	t.Run("untrusted origin", func(t *testing.T) {
		err := v.VerifyArtifact(ctx, Artifact{
			Name: "pkg", Origin: "https://evil.example.com/pkg",
			Checksum: checksummed(data), Data: data,
		})
		require.Error(t, err)
		assert.Equal(t, faults.KindIntegrityFailed, faults.KindOf(err))
	})

	t.Run("subdomain of trusted origin passes", func(t *testing.T) {
		err := v.VerifyArtifact(ctx, Artifact{
			Name: "pkg-xyz", Origin: "https://api.github.com/repos/x",
			Checksum: checksummed(data), Data: data,
		})
		assert.NoError(t, err)
	})

	t.Run("malformed checksum", func(t *testing.T) {
		err := v.VerifyArtifact(ctx, Artifact{
			Name: "pkg", Origin: "https://github.com/x",
			Checksum: "not-hex", Data: data,
		})
		require.Error(t, err)
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		err := v.VerifyArtifact(ctx, Artifact{
			Name: "pkg", Origin: "https://github.com/x",
			Checksum: checksummed([]byte("other bytes")), Data: data,
		})
		require.Error(t, err)
		assert.Equal(t, faults.KindIntegrityFailed, faults.KindOf(err))
	})
}

func TestVerifyArtifact_Typosquat(t *testing.T) {
	v := newVerifier(t, "")
	data := []byte("x")
	ctx := context.Background()

	t.Run("near-identical name flagged", func(t *testing.T) {
		// One edit away from "left-pad"; similarity well above 0.7.
		sim := levenshtein.Similarity("left-pod", "left-pad", nil)
		require.GreaterOrEqual(t, sim, 0.7)
		err := v.VerifyArtifact(ctx, Artifact{
			Name: "left-pod", Origin: "https://registry.npmjs.org/left-pod",
			Checksum: checksummed(data), Data: data,
		})
		require.Error(t, err)
		assert.Equal(t, faults.KindIntegrityFailed, faults.KindOf(err))
	})

	t.Run("dissimilar name allowed", func(t *testing.T) {
		sim := levenshtein.Similarity("webpack", "left-pad", nil)
		require.Less(t, sim, 0.7)
		err := v.VerifyArtifact(ctx, Artifact{
			Name: "webpack", Origin: "https://registry.npmjs.org/webpack",
			Checksum: checksummed(data), Data: data,
		})
		assert.NoError(t, err)
	})

	t.Run("exact protected name is not a squat", func(t *testing.T) {
		err := v.VerifyArtifact(ctx, Artifact{
			Name: "left-pad", Origin: "https://registry.npmjs.org/left-pad",
			Checksum: checksummed(data), Data: data,
		})
		assert.NoError(t, err)
	})
}

func TestManifestHash_SortedAndStable(t *testing.T) {
	m := IntegrityManifest{
		"zeta":  {Checksum: checksummed([]byte("z")), Size: 1},
		"alpha": {Checksum: checksummed([]byte("a")), Size: 2},
	}
	h1, err := ManifestHash(m)
	require.NoError(t, err)

	// Rebuilding the map in a different insertion order changes nothing.
	m2 := IntegrityManifest{}
	m2["alpha"] = m["alpha"]
	m2["zeta"] = m["zeta"]
	h2, err := ManifestHash(m2)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestVerifyManifest(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	m := IntegrityManifest{"pkg": {Checksum: checksummed([]byte("p")), Size: 10}}
	hash, err := ManifestHash(m)
	require.NoError(t, err)

	signManifest := func() string {
		raw, err := json.Marshal(m)
		require.NoError(t, err)
		canonical, err := jcs.Transform(raw)
		require.NoError(t, err)
		return hex.EncodeToString(ed25519.Sign(priv, canonical))
	}

	t.Run("hash match without signature", func(t *testing.T) {
		v := newVerifier(t, "")
		assert.NoError(t, v.VerifyManifest(context.Background(), m, hash, ""))
	})

	t.Run("hash mismatch", func(t *testing.T) {
		v := newVerifier(t, "")
		err := v.VerifyManifest(context.Background(), m, "deadbeef", "")
		require.Error(t, err)
		assert.Equal(t, faults.KindIntegrityFailed, faults.KindOf(err))
	})

	t.Run("valid signature", func(t *testing.T) {
		v := newVerifier(t, hex.EncodeToString(pub))
		assert.NoError(t, v.VerifyManifest(context.Background(), m, hash, signManifest()))
	})

	t.Run("wrong key rejects", func(t *testing.T) {
		otherPub, _, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		v := newVerifier(t, hex.EncodeToString(otherPub))
		err = v.VerifyManifest(context.Background(), m, hash, signManifest())
		require.Error(t, err)
		assert.Equal(t, faults.KindIntegrityFailed, faults.KindOf(err))
	})
}
