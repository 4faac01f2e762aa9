// helixd agent runtime daemon — local gateway, audit chain, operation
// router, and session sync.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/helix-runtime/helixd/pkg/bootstrap"
	"github.com/helix-runtime/helixd/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	logLevel := flag.String("log-level",
		getEnv("LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("Starting helixd",
		"version", version.Full(),
		"config_dir", *configDir)

	os.Exit(bootstrap.Run(context.Background(), bootstrap.Options{
		ConfigDir: *configDir,
	}))
}
