// Package config loads the runtime configuration from helixd.yaml plus
// environment knobs, and implements the guarded key-value store for
// protected settings.
package config

import (
	"time"

	"github.com/helix-runtime/helixd/pkg/models"
)

// Config is the fully merged, validated runtime configuration.
type Config struct {
	Gateway   GatewayConfig        `yaml:"gateway"`
	Models    []ModelConfig        `yaml:"models"`
	Budgets   BudgetConfig         `yaml:"budgets"`
	Approval  ApprovalConfig       `yaml:"approval"`
	RateLimit RateLimitConfig      `yaml:"rate_limit"`
	Sync      SyncConfig           `yaml:"sync"`
	Telemetry TelemetryConfig      `yaml:"telemetry"`
	Synthesis SynthesisConfig      `yaml:"synthesis"`
	Webhooks  map[string]string    `yaml:"webhooks"` // channel name -> URL
	Database  DatabaseConfig       `yaml:"database"`
	Security  SecurityConfig       `yaml:"security"`
	StateDir  string               `yaml:"state_dir"`
	Users     map[string]UserLimit `yaml:"users"`
}

// GatewayConfig controls the local HTTP/WebSocket gateway.
type GatewayConfig struct {
	Host        string `yaml:"host"`
	PrimaryPort int    `yaml:"primary_port"`
	// PortProbeSpan is how many ports past primary to probe before giving up.
	PortProbeSpan int    `yaml:"port_probe_span"`
	Environment   string `yaml:"environment"` // development, production
}

// ModelConfig describes one routable model.
type ModelConfig struct {
	ModelID        string   `yaml:"model_id"`
	ProviderID     string   `yaml:"provider_id"`
	PriceInPer1K   float64  `yaml:"price_in_per_1k"`
	PriceOutPer1K  float64  `yaml:"price_out_per_1k"`
	ContextWindow  int      `yaml:"context_window"`
	CapabilityTags []string `yaml:"capability_tags"`
	APIKeyEnv      string   `yaml:"api_key_env"`
	BaseURL        string   `yaml:"base_url,omitempty"`
}

// Descriptor converts the static config entry into the registry model shape.
func (m ModelConfig) Descriptor() models.ModelDescriptor {
	return models.ModelDescriptor{
		ModelID:        m.ModelID,
		ProviderID:     m.ProviderID,
		PriceInPer1K:   m.PriceInPer1K,
		PriceOutPer1K:  m.PriceOutPer1K,
		ContextWindow:  m.ContextWindow,
		CapabilityTags: append([]string(nil), m.CapabilityTags...),
		Health:         models.HealthUp,
	}
}

// BudgetConfig sets the default spending ceilings.
type BudgetConfig struct {
	DailyUSD   float64 `yaml:"daily_usd"`
	MonthlyUSD float64 `yaml:"monthly_usd"`
}

// UserLimit overrides budgets and approval threshold per user.
type UserLimit struct {
	DailyUSD             float64 `yaml:"daily_usd"`
	MonthlyUSD           float64 `yaml:"monthly_usd"`
	ApprovalThresholdUSD float64 `yaml:"approval_threshold_usd"`
}

// ApprovalConfig controls the human approval gate.
type ApprovalConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	ThresholdUSD float64       `yaml:"threshold_usd"`
}

// RateLimitConfig controls the sliding-window limiter.
type RateLimitConfig struct {
	Window      time.Duration `yaml:"window"`
	MaxAttempts int           `yaml:"max_attempts"`
	// RetryCountsAgainstLimit decides whether a model_unavailable retry
	// consumes a rate-limit slot.
	RetryCountsAgainstLimit bool `yaml:"retry_counts_against_limit"`
}

// SyncConfig controls the session sync engine.
type SyncConfig struct {
	PeerURL          string        `yaml:"peer_url"`
	FullSyncInterval time.Duration `yaml:"full_sync_interval"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
}

// TelemetryConfig controls heartbeat and metric batching.
type TelemetryConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Endpoint          string        `yaml:"endpoint"` // batch upload target; empty drops batches
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	BatchSize         int           `yaml:"batch_size"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
}

// SynthesisConfig controls periodic memory synthesis runs.
type SynthesisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// DatabaseConfig is the Postgres connection.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

// SecurityConfig groups hardening knobs.
type SecurityConfig struct {
	SkillPublicKey    string   `yaml:"skill_public_key"`    // hex ed25519
	ArtifactPublicKey string   `yaml:"artifact_public_key"` // hex ed25519
	TrustedOrigins    []string `yaml:"trusted_origins"`
	ProtectedNames    []string `yaml:"protected_names"`
	ContainerRoot     string   `yaml:"container_root"`
}
