// Package skills verifies bundled action packs before they may execute.
// Verification is three-staged: permission whitelist, malware screening of
// prerequisites and metadata, and an optional Ed25519 manifest signature.
package skills

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/helix-runtime/helixd/pkg/audit"
	"github.com/helix-runtime/helixd/pkg/faults"
	"github.com/helix-runtime/helixd/pkg/webhook"
)

// Manifest is the parsed skill manifest.
type Manifest struct {
	Name          string            `json:"name"`
	Version       string            `json:"version"`
	Permissions   []string          `json:"permissions"`
	Prerequisites []string          `json:"prerequisites"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Signature     string            `json:"signature,omitempty"` // hex ed25519
}

// dangerousPermissions are rejected regardless of the whitelist.
var dangerousPermissions = map[string]bool{
	"all":          true,
	"admin":        true,
	"root":         true,
	"exec:*":       true,
	"shell:*":      true,
	"network:*":    true,
	"process:kill": true,
}

// trustedHosts are the origins allowed in prerequisite URLs.
var trustedHosts = map[string]bool{
	"github.com":                true,
	"www.github.com":            true,
	"raw.githubusercontent.com": true,
	"registry.npmjs.org":        true,
	"www.npmjs.com":             true,
	"npmjs.com":                 true,
}

type pattern struct {
	name string
	re   *regexp.Regexp
}

// The six malware screening patterns.
var screenPatterns = []pattern{
	{"action-verb-prerequisite", regexp.MustCompile(`(?i)\b(download|click|run)\b`)},
	{"shell-injection", regexp.MustCompile(`(?i)(curl\s*\|\s*bash|bash\s+-c|sh\s+-c)`)},
	{"obfuscation", regexp.MustCompile(`(?i)(base64|\beval\b|\bdecode\b|reflect(ion)?\b)`)},
	{"registry-manipulation", regexp.MustCompile(`(?i)(regedit|HKEY_|registry\s+(edit|add|key|modify))`)},
}

var urlRe = regexp.MustCompile(`https?://[^\s"']+`)
var downloadableRe = regexp.MustCompile(`(?i)\.(zip|dmg|exe)(\b|$)`)

// Verifier screens skill manifests. The zero public key disables signature
// verification for unsigned manifests; signed manifests always verify.
type Verifier struct {
	allowed  map[string]bool
	pubKey   ed25519.PublicKey
	recorder *audit.Recorder
}

// NewVerifier builds a verifier. pubKeyHex may be empty when no skills are
// signed.
func NewVerifier(allowedPermissions []string, pubKeyHex string, recorder *audit.Recorder) (*Verifier, error) {
	v := &Verifier{
		allowed:  make(map[string]bool, len(allowedPermissions)),
		recorder: recorder,
	}
	for _, p := range allowedPermissions {
		v.allowed[p] = true
	}
	if pubKeyHex != "" {
		raw, err := hex.DecodeString(pubKeyHex)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid skill public key")
		}
		v.pubKey = ed25519.PublicKey(raw)
	}
	return v, nil
}

// Verify validates raw manifest bytes. On success the parsed manifest is
// returned and the install is chain-logged; any rejection pre-logs an alert
// and returns integrity_failed.
func (v *Verifier) Verify(ctx context.Context, raw []byte) (*Manifest, error) {
	var m Manifest
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return nil, v.reject(ctx, "", "malformed manifest: %v", err)
	}
	if m.Name == "" || m.Version == "" {
		return nil, v.reject(ctx, m.Name, "manifest missing name or version")
	}

	// Stage 1: permission whitelist.
	for _, p := range m.Permissions {
		if dangerousPermissions[p] {
			return nil, v.reject(ctx, m.Name, "dangerous permission %q", p)
		}
		if !v.allowed[p] {
			return nil, v.reject(ctx, m.Name, "permission %q not in whitelist", p)
		}
	}

	// Stage 2: malware screening over prerequisites and metadata.
	var texts []string
	texts = append(texts, m.Prerequisites...)
	for k, val := range m.Metadata {
		texts = append(texts, k+" "+val)
	}
	for _, text := range texts {
		if name, hit := screen(text); hit {
			return nil, v.reject(ctx, m.Name, "malware pattern %s matched %q", name, text)
		}
	}

	// Stage 3: optional signature over canonical manifest bytes.
	if m.Signature != "" {
		if err := v.verifySignature(raw, m.Signature); err != nil {
			return nil, v.reject(ctx, m.Name, "signature verification failed: %v", err)
		}
	}

	if v.recorder != nil {
		if _, err := v.recorder.PreExec(ctx, webhook.ChannelCommands, audit.Event{
			Kind: audit.EventSkillInstall,
			Detail: map[string]any{
				"name":    m.Name,
				"version": m.Version,
				"signed":  m.Signature != "",
			},
		}); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// screen applies the six patterns to one text fragment.
func screen(text string) (string, bool) {
	for _, p := range screenPatterns {
		if p.re.MatchString(text) {
			return p.name, true
		}
	}
	for _, rawURL := range urlRe.FindAllString(text, -1) {
		u, err := url.Parse(rawURL)
		if err != nil {
			return "untrusted-url", true
		}
		host := strings.ToLower(u.Hostname())
		if !trustedHosts[host] {
			if downloadableRe.MatchString(u.Path) {
				return "suspicious-downloadable", true
			}
			return "untrusted-url", true
		}
	}
	return "", false
}

// verifySignature checks the hex ed25519 signature over the canonical (RFC
// 8785) manifest with the signature field removed.
func (v *Verifier) verifySignature(raw []byte, sigHex string) error {
	if v.pubKey == nil {
		return fmt.Errorf("no public key configured")
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("malformed signature")
	}

	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	delete(generic, "signature")
	unsigned, err := json.Marshal(generic)
	if err != nil {
		return err
	}
	canonical, err := jcs.Transform(unsigned)
	if err != nil {
		return err
	}
	if !ed25519.Verify(v.pubKey, canonical, sig) {
		return fmt.Errorf("signature does not match manifest")
	}
	return nil
}

// reject pre-logs the alert and returns the typed failure.
func (v *Verifier) reject(ctx context.Context, name, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if v.recorder != nil {
		// Best effort: the rejection alert should reach the chain even when
		// the webhook leg is down.
		_, _ = v.recorder.PreExec(ctx, webhook.ChannelAlerts, audit.Event{
			Kind: audit.EventSkillRejected,
			Detail: map[string]any{
				"name":   name,
				"reason": msg,
			},
		})
	}
	return faults.New(faults.KindIntegrityFailed, "skill rejected: %s", msg)
}
