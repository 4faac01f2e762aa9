// Package token verifies the gateway token and enforces the bind policy.
// Loopback clients skip the token check but never the rate limiter; private
// ranges require a valid token; wildcard binds are refused in production.
package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/helix-runtime/helixd/pkg/faults"
	"github.com/helix-runtime/helixd/pkg/ratelimit"
)

// ErrInvalidToken is returned on a token mismatch. The API layer maps it to
// 401 without leaking which byte differed.
var ErrInvalidToken = errors.New("invalid gateway token")

// Verifier holds the gateway token and the auth-attempt limiter.
type Verifier struct {
	token   string
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// NewVerifier resolves the gateway token. A configured token (the guarded
// gatewayToken key) wins; otherwise the token persists in
// stateDir/gateway-token with 0600 permissions and is generated on first run
// as 64 hex characters.
func NewVerifier(stateDir, configuredToken string, limiter *ratelimit.Limiter) (*Verifier, error) {
	v := &Verifier{limiter: limiter, logger: slog.Default().With("component", "token")}

	if configuredToken != "" {
		v.token = configuredToken
		return v, nil
	}

	path := filepath.Join(stateDir, "gateway-token")
	if raw, err := os.ReadFile(path); err == nil {
		v.token = strings.TrimSpace(string(raw))
		return v, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading gateway token: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generating gateway token: %w", err)
	}
	v.token = hex.EncodeToString(buf)
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(v.token+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("persisting gateway token: %w", err)
	}
	v.logger.Info("Generated gateway token", "path", path)
	return v, nil
}

// Token returns the active token.
func (v *Verifier) Token() string { return v.token }

// ValidateBind rejects dangerous bind addresses before the port binds.
func ValidateBind(host, environment string) error {
	if (host == "0.0.0.0" || host == "::") && environment == "production" {
		return faults.New(faults.KindConfigRefused,
			"refusing wildcard bind %q in production", host)
	}
	return nil
}

// ValidateBind applies the package-level bind policy plus the token
// requirement: a bind on an RFC 1918 range is only served when a gateway
// token exists to guard it.
func (v *Verifier) ValidateBind(host, environment string) error {
	if err := ValidateBind(host, environment); err != nil {
		return err
	}
	if IsPrivate(host) && v.token == "" {
		return faults.New(faults.KindConfigRefused,
			"refusing private-range bind %q without a gateway token", host)
	}
	return nil
}

// IsLoopback reports whether host is a loopback literal.
func IsLoopback(host string) bool {
	switch host {
	case "127.0.0.1", "localhost", "::1":
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// IsPrivate reports whether host falls in an RFC 1918 range (10/8,
// 172.16/12 with second octet 16 through 31, 192.168/16).
func IsPrivate(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	switch {
	case ip4[0] == 10:
		return true
	case ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31:
		return true
	case ip4[0] == 192 && ip4[1] == 168:
		return true
	}
	return false
}

// Verify authenticates one request. Every call consumes a rate-limit slot
// for clientID, loopback or not; only the token comparison is skipped for
// loopback hosts. The comparison is constant-time.
func (v *Verifier) Verify(clientHost, presented, clientID string) error {
	if v.limiter != nil {
		if err := v.limiter.Attempt(clientID); err != nil {
			return err
		}
	}
	if IsLoopback(clientHost) {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(v.token), []byte(presented)) != 1 {
		v.logger.Warn("Token verification failed", "client", clientHost)
		return ErrInvalidToken
	}
	return nil
}
