// Package supplychain verifies external artifacts before they are loaded:
// origin allowlist, SHA-256 checksum, typosquat screening against protected
// names, and integrity manifests with an optional detached signature.
package supplychain

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/agext/levenshtein"
	"github.com/gowebpki/jcs"

	"github.com/helix-runtime/helixd/pkg/audit"
	"github.com/helix-runtime/helixd/pkg/faults"
	"github.com/helix-runtime/helixd/pkg/webhook"
)

// typosquatThreshold is the similarity at which a name is flagged.
const typosquatThreshold = 0.7

var checksumRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Artifact is an external package or binary awaiting installation.
type Artifact struct {
	Name     string
	Origin   string // URL the bytes came from
	Checksum string // expected sha256, 64 hex chars
	Data     []byte
}

// ManifestEntry is one artifact's record in an integrity manifest.
type ManifestEntry struct {
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
}

// IntegrityManifest maps artifact name to its expected checksum and size.
type IntegrityManifest map[string]ManifestEntry

// Verifier screens artifacts. The signature key is optional; unsigned
// manifests verify by hash alone.
type Verifier struct {
	trustedOrigins []string
	protectedNames []string
	pubKey         ed25519.PublicKey
	recorder       *audit.Recorder
}

// NewVerifier builds a verifier. trustedOrigins are host names (exact or
// dot-suffix match); pubKeyHex may be empty.
func NewVerifier(trustedOrigins, protectedNames []string, pubKeyHex string, recorder *audit.Recorder) (*Verifier, error) {
	v := &Verifier{
		trustedOrigins: trustedOrigins,
		protectedNames: protectedNames,
		recorder:       recorder,
	}
	if pubKeyHex != "" {
		raw, err := hex.DecodeString(pubKeyHex)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid artifact public key")
		}
		v.pubKey = ed25519.PublicKey(raw)
	}
	return v, nil
}

// VerifyArtifact enforces origin, checksum and name screening. Failures are
// integrity_failed and alerted.
func (v *Verifier) VerifyArtifact(ctx context.Context, art Artifact) error {
	if !v.originTrusted(art.Origin) {
		return v.reject(ctx, art.Name, "origin %q not in allowlist", art.Origin)
	}

	if !checksumRe.MatchString(art.Checksum) {
		return v.reject(ctx, art.Name, "checksum must be 64 hex chars")
	}
	sum := sha256.Sum256(art.Data)
	if hex.EncodeToString(sum[:]) != art.Checksum {
		return v.reject(ctx, art.Name, "checksum mismatch")
	}

	for _, protected := range v.protectedNames {
		if art.Name == protected {
			continue
		}
		if sim := levenshtein.Similarity(art.Name, protected, nil); sim >= typosquatThreshold {
			return v.reject(ctx, art.Name,
				"name resembles protected %q (similarity %.2f)", protected, sim)
		}
	}
	return nil
}

// ManifestHash computes the canonical hash of a manifest: SHA-256 over the
// RFC 8785 form, which sorts entries by name.
func ManifestHash(m IntegrityManifest) (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyManifest recomputes the manifest hash and, when sigHex is present,
// verifies the detached Ed25519 signature over the canonical manifest bytes.
func (v *Verifier) VerifyManifest(ctx context.Context, m IntegrityManifest, expectedHash, sigHex string) error {
	got, err := ManifestHash(m)
	if err != nil {
		return v.reject(ctx, "manifest", "hashing manifest: %v", err)
	}
	if got != expectedHash {
		return v.reject(ctx, "manifest", "manifest hash mismatch")
	}

	if sigHex != "" {
		if v.pubKey == nil {
			return v.reject(ctx, "manifest", "signed manifest but no key configured")
		}
		sig, err := hex.DecodeString(sigHex)
		if err != nil || len(sig) != ed25519.SignatureSize {
			return v.reject(ctx, "manifest", "malformed manifest signature")
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return v.reject(ctx, "manifest", "encoding manifest: %v", err)
		}
		canonical, err := jcs.Transform(raw)
		if err != nil {
			return v.reject(ctx, "manifest", "canonicalizing manifest: %v", err)
		}
		if !ed25519.Verify(v.pubKey, canonical, sig) {
			return v.reject(ctx, "manifest", "manifest signature invalid")
		}
	}
	return nil
}

func (v *Verifier) originTrusted(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, trusted := range v.trustedOrigins {
		t := strings.ToLower(trusted)
		if host == t || strings.HasSuffix(host, "."+t) {
			return true
		}
	}
	return false
}

func (v *Verifier) reject(ctx context.Context, name, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if v.recorder != nil {
		_, _ = v.recorder.PreExec(ctx, webhook.ChannelAlerts, audit.Event{
			Kind: audit.EventUpdateRejected,
			Detail: map[string]any{
				"artifact": name,
				"reason":   msg,
			},
		})
	}
	return faults.New(faults.KindIntegrityFailed, "artifact %s: %s", name, msg)
}
