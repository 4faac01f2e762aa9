package config

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/helix-runtime/helixd/pkg/audit"
	"github.com/helix-runtime/helixd/pkg/faults"
	"github.com/helix-runtime/helixd/pkg/webhook"
)

// protectedKeys lists the settings whose mutation requires a stated reason,
// encrypted storage and a chain entry committed before the value flips.
var protectedKeys = map[string]bool{
	"gatewayToken": true,
	"apiKey":       true,
	"secretKey":    true,
	"credentials":  true,
	"privateKey":   true,
}

// IsProtected reports whether key is in the protected set.
func IsProtected(key string) bool { return protectedKeys[key] }

type storedValue struct {
	Encrypted bool   `json:"encrypted"`
	Value     string `json:"value"` // plaintext, or base64(nonce||ciphertext)
	Hash      string `json:"hash"`  // sha256 hex of plaintext
}

// View is an immutable snapshot of the guarded store. Mutation through the
// Guard produces a new View; existing views never change.
type View struct {
	values map[string]string
}

// Get returns the plaintext value for key.
func (v *View) Get(key string) (string, bool) {
	val, ok := v.values[key]
	return val, ok
}

// Guard is the guarded key-value store. Protected values are AES-256-GCM
// encrypted at rest with a key separate from user data.
type Guard struct {
	mu        sync.Mutex
	storePath string
	aead      cipher.AEAD
	recorder  *audit.Recorder
	stored    map[string]storedValue
	view      *View
}

// NewGuard opens (or creates) the guarded store under stateDir. The
// encryption key lives in stateDir/config.key (0600) and is generated on
// first use.
func NewGuard(stateDir string, recorder *audit.Recorder) (*Guard, error) {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	key, err := loadOrCreateKey(filepath.Join(stateDir, "config.key"))
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("initializing config cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("initializing config AEAD: %w", err)
	}

	g := &Guard{
		storePath: filepath.Join(stateDir, "config-store.json"),
		aead:      aead,
		recorder:  recorder,
		stored:    map[string]storedValue{},
	}
	if raw, err := os.ReadFile(g.storePath); err == nil {
		if err := json.Unmarshal(raw, &g.stored); err != nil {
			return nil, fmt.Errorf("parsing config store: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config store: %w", err)
	}

	view, err := g.buildView()
	if err != nil {
		return nil, err
	}
	g.view = view
	return g, nil
}

func loadOrCreateKey(path string) ([]byte, error) {
	if raw, err := os.ReadFile(path); err == nil {
		if len(raw) != 32 {
			return nil, fmt.Errorf("config key file %s has wrong length %d", path, len(raw))
		}
		return raw, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config key: %w", err)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating config key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("writing config key: %w", err)
	}
	return key, nil
}

// View returns the current frozen snapshot.
func (g *Guard) View() *View {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.view
}

// Set mutates key. For protected keys it requires a non-empty reason, commits
// the chain entry {key, old_hash, new_hash, reason, actor} before the value
// flips, and rolls the write back if persistence fails. Refusals are recorded
// on the chain and return config_refused.
func (g *Guard) Set(ctx context.Context, actor, key, value, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	protected := IsProtected(key)
	if protected && reason == "" {
		if g.recorder != nil {
			g.recorder.PostExec(webhook.ChannelAlerts, audit.Event{
				Kind:  audit.EventConfigRefused,
				Actor: actor,
				Detail: map[string]any{
					"key":    key,
					"reason": "missing reason for protected key",
				},
			})
		}
		return faults.New(faults.KindConfigRefused, "protected key %q requires a reason", key)
	}

	oldHash := ""
	if prev, ok := g.stored[key]; ok {
		oldHash = prev.Hash
	}
	newHash := hashValue(value)

	if g.recorder != nil {
		_, err := g.recorder.PreExec(ctx, webhook.ChannelFileChanges, audit.Event{
			Kind:  audit.EventConfigChange,
			Actor: actor,
			Detail: map[string]any{
				"key":      key,
				"old_hash": oldHash,
				"new_hash": newHash,
				"reason":   reason,
			},
		})
		if err != nil {
			return err
		}
	}

	sv := storedValue{Hash: newHash, Value: value}
	if protected {
		ct, err := g.encrypt(value)
		if err != nil {
			return faults.Wrap(faults.KindFatal, err, "encrypting %q", key)
		}
		sv = storedValue{Encrypted: true, Value: ct, Hash: newHash}
	}

	prev, hadPrev := g.stored[key]
	g.stored[key] = sv
	if err := g.persist(); err != nil {
		// Roll back: the chain records the attempt, the store keeps the old
		// value and the old view stays current.
		if hadPrev {
			g.stored[key] = prev
		} else {
			delete(g.stored, key)
		}
		return faults.Wrap(faults.KindFatal, err, "persisting config store")
	}

	view, err := g.buildView()
	if err != nil {
		return faults.Wrap(faults.KindFatal, err, "rebuilding config view")
	}
	g.view = view
	return nil
}

func (g *Guard) persist() error {
	raw, err := json.MarshalIndent(g.stored, "", "  ")
	if err != nil {
		return err
	}
	tmp := g.storePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, g.storePath)
}

func (g *Guard) buildView() (*View, error) {
	values := make(map[string]string, len(g.stored))
	for k, sv := range g.stored {
		if !sv.Encrypted {
			values[k] = sv.Value
			continue
		}
		pt, err := g.decrypt(sv.Value)
		if err != nil {
			return nil, fmt.Errorf("decrypting %q: %w", k, err)
		}
		values[k] = pt
	}
	return &View{values: values}, nil
}

func (g *Guard) encrypt(plaintext string) (string, error) {
	nonce := make([]byte, g.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ct := g.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ct), nil
}

func (g *Guard) decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	ns := g.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("ciphertext too short")
	}
	pt, err := g.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

func hashValue(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}
