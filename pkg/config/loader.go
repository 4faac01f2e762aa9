package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPrimaryPort is the gateway port probed first.
const DefaultPrimaryPort = 18789

// Initialize loads, merges and validates the runtime configuration.
//
// Steps performed:
//  1. Load .env if present (never overrides real environment)
//  2. Read helixd.yaml from configDir (optional; defaults apply without it)
//  3. Expand ${VAR} references from the environment
//  4. Merge file values over built-in defaults
//  5. Apply environment knob overrides (GATEWAY_PORT, GATEWAY_HOST,
//     ENABLE_TELEMETRY, APPROVAL_TIMEOUT_MS, WEBHOOK_*)
//  6. Validate
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)

	if err := godotenv.Load(filepath.Join(configDir, ".env")); err != nil && !os.IsNotExist(err) {
		log.Warn("Failed to load .env file", "error", err)
	}

	cfg := defaults()

	path := filepath.Join(configDir, "helixd.yaml")
	if raw, err := os.ReadFile(path); err == nil {
		expanded := os.Expand(string(raw), func(key string) string {
			return os.Getenv(key)
		})
		var fileCfg Config
		if err := yaml.Unmarshal([]byte(expanded), &fileCfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging configuration: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"models", len(cfg.Models),
		"webhooks", len(cfg.Webhooks),
		"primary_port", cfg.Gateway.PrimaryPort)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:          "127.0.0.1",
			PrimaryPort:   DefaultPrimaryPort,
			PortProbeSpan: 9,
			Environment:   "development",
		},
		Budgets: BudgetConfig{
			DailyUSD:   5.0,
			MonthlyUSD: 50.0,
		},
		Approval: ApprovalConfig{
			Timeout:      15 * time.Minute,
			ThresholdUSD: 0.50,
		},
		RateLimit: RateLimitConfig{
			Window:      60 * time.Second,
			MaxAttempts: 5,
		},
		Sync: SyncConfig{
			FullSyncInterval: 30 * time.Second,
			ReconnectMax:     30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:           true,
			HeartbeatInterval: 60 * time.Second,
			BatchSize:         25,
			FlushInterval:     5 * time.Minute,
		},
		Synthesis: SynthesisConfig{
			Enabled:  true,
			Interval: 6 * time.Hour,
		},
		Webhooks: map[string]string{},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "helixd",
			Name:    "helixd",
			SSLMode: "disable",
		},
		StateDir: "state",
		Users:    map[string]UserLimit{},
	}
}

// applyEnvOverrides maps the launcher environment knobs onto the config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.PrimaryPort = port
		}
	}
	if v := os.Getenv("GATEWAY_HOST"); v != "" {
		cfg.Gateway.Host = v
	}
	if v := os.Getenv("HELIXD_ENV"); v != "" {
		cfg.Gateway.Environment = v
	}
	if v := os.Getenv("ENABLE_TELEMETRY"); v != "" {
		cfg.Telemetry.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("APPROVAL_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Approval.Timeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("STATE_DIR"); v != "" {
		cfg.StateDir = v
	}

	// WEBHOOK_COMMANDS, WEBHOOK_API, WEBHOOK_FILE_CHANGES,
	// WEBHOOK_CONSCIOUSNESS, WEBHOOK_ALERTS, WEBHOOK_HASH_CHAIN.
	for _, pair := range os.Environ() {
		key, val, ok := strings.Cut(pair, "=")
		if !ok || val == "" || !strings.HasPrefix(key, "WEBHOOK_") {
			continue
		}
		channel := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, "WEBHOOK_")), "_", "-")
		cfg.Webhooks[channel] = val
	}
}

func validate(cfg *Config) error {
	if cfg.Gateway.PrimaryPort <= 0 || cfg.Gateway.PrimaryPort > 65535 {
		return fmt.Errorf("gateway.primary_port %d out of range", cfg.Gateway.PrimaryPort)
	}
	if cfg.Gateway.PortProbeSpan < 0 {
		return fmt.Errorf("gateway.port_probe_span must be >= 0")
	}
	seen := make(map[string]bool, len(cfg.Models))
	for _, m := range cfg.Models {
		if m.ModelID == "" || m.ProviderID == "" {
			return fmt.Errorf("model entries require model_id and provider_id")
		}
		if seen[m.ModelID] {
			return fmt.Errorf("duplicate model_id %q", m.ModelID)
		}
		seen[m.ModelID] = true
		if m.PriceInPer1K < 0 || m.PriceOutPer1K < 0 {
			return fmt.Errorf("model %q has negative pricing", m.ModelID)
		}
	}
	if cfg.Budgets.DailyUSD < 0 || cfg.Budgets.MonthlyUSD < 0 {
		return fmt.Errorf("budgets must be non-negative")
	}
	if cfg.RateLimit.MaxAttempts <= 0 {
		return fmt.Errorf("rate_limit.max_attempts must be positive")
	}
	if cfg.Approval.Timeout <= 0 {
		return fmt.Errorf("approval.timeout must be positive")
	}
	return nil
}
