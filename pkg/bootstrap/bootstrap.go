// Package bootstrap starts and stops the runtime in a fixed order: announce,
// heartbeat, config guard, port discovery, telemetry, sync channel, API
// listener. Shutdown reverses the order and always emits a final offline
// event before the webhook sink closes.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/helix-runtime/helixd/pkg/adapter"
	"github.com/helix-runtime/helixd/pkg/api"
	"github.com/helix-runtime/helixd/pkg/approval"
	"github.com/helix-runtime/helixd/pkg/audit"
	"github.com/helix-runtime/helixd/pkg/chain"
	"github.com/helix-runtime/helixd/pkg/config"
	"github.com/helix-runtime/helixd/pkg/costs"
	"github.com/helix-runtime/helixd/pkg/faults"
	"github.com/helix-runtime/helixd/pkg/models"
	"github.com/helix-runtime/helixd/pkg/ratelimit"
	"github.com/helix-runtime/helixd/pkg/rbac"
	"github.com/helix-runtime/helixd/pkg/registry"
	"github.com/helix-runtime/helixd/pkg/router"
	"github.com/helix-runtime/helixd/pkg/sessions"
	"github.com/helix-runtime/helixd/pkg/store"
	"github.com/helix-runtime/helixd/pkg/syncengine"
	"github.com/helix-runtime/helixd/pkg/synthesis"
	"github.com/helix-runtime/helixd/pkg/telemetry"
	"github.com/helix-runtime/helixd/pkg/token"
	"github.com/helix-runtime/helixd/pkg/version"
	"github.com/helix-runtime/helixd/pkg/webhook"
)

// Exit codes of the helixd process.
const (
	ExitClean         = 0
	ExitFatal         = 1
	ExitPortExhausted = 2
	ExitConfigRefused = 3
)

// Options configure a Run.
type Options struct {
	ConfigDir string
}

// Run starts the runtime and blocks until a shutdown signal or a fatal
// error. The returned value is the process exit code.
func Run(ctx context.Context, opts Options) int {
	logger := slog.Default().With("component", "bootstrap")

	cfg, err := config.Initialize(opts.ConfigDir)
	if err != nil {
		logger.Error("Configuration load failed", "error", err)
		return ExitFatal
	}
	stateDir := cfg.StateDir

	chainStore, err := chain.Open(filepath.Join(stateDir, "chain.log"))
	if err != nil {
		logger.Error("Chain open failed", "error", err)
		return ExitFatal
	}
	defer func() { _ = chainStore.Close() }()

	sink := webhook.NewSink(webhook.Config{URLs: channelURLs(cfg.Webhooks)})
	recorder := audit.NewRecorder(chainStore, sink)

	// 1. Announce.
	announceOnline(recorder, sink, chainStore.Len())

	// 2. Heartbeat.
	heartbeat := telemetry.NewHeartbeat(sink, cfg.Telemetry.HeartbeatInterval)
	heartbeat.Start()
	defer heartbeat.Stop()

	// 3. Config guard and gateway token.
	limiter := ratelimit.New(cfg.RateLimit)
	verifier, err := token.NewVerifier(stateDir, os.Getenv("GATEWAY_TOKEN"), limiter)
	if err != nil {
		logger.Error("Token setup failed", "error", err)
		return ExitFatal
	}
	if err := verifier.ValidateBind(cfg.Gateway.Host, cfg.Gateway.Environment); err != nil {
		logger.Error("Gateway bind refused", "host", cfg.Gateway.Host, "error", err)
		return ExitConfigRefused
	}
	guard, err := config.NewGuard(stateDir, recorder)
	if err != nil {
		if faults.Is(err, faults.KindConfigRefused) {
			return ExitConfigRefused
		}
		logger.Error("Config guard setup failed", "error", err)
		return ExitFatal
	}

	// 4. Port discovery.
	listener, port, err := probePorts(cfg.Gateway.Host, cfg.Gateway.PrimaryPort, cfg.Gateway.PortProbeSpan)
	if err != nil {
		logger.Error("No free gateway port", "primary", cfg.Gateway.PrimaryPort, "error", err)
		return ExitPortExhausted
	}
	logger.Info("Gateway port claimed", "port", port)

	// Datastore is optional; the runtime is local-first.
	var db *store.Store
	if cfg.Database.Host != "" {
		db, err = store.New(ctx, store.FromConfig(cfg.Database))
		if err != nil {
			logger.Warn("Datastore unavailable, continuing without persistence", "error", err)
			db = nil
		} else {
			defer func() { _ = db.Close() }()
		}
	}

	tracker := costs.NewTracker(costsPersister(db), cfg.Budgets, cfg.Users)
	if err := tracker.Start(ctx); err != nil {
		logger.Error("Cost tracker start failed", "error", err)
		return ExitFatal
	}
	defer tracker.Stop()

	gate := approval.NewGate(cfg.Approval.Timeout, recorder, webhookDeciderPolicy{sink: sink})
	defer gate.Stop()

	reg := registry.New(modelDescriptors(cfg.Models))
	adapters := buildAdapters(cfg.Models)
	enforcer := rbac.NewEnforcer(recorder, cfg.Security.ContainerRoot)

	sessionStore := sessions.NewStore(sessionsPersister(db))
	queue, err := syncengine.NewOfflineQueue(filepath.Join(stateDir, "offline-queue"))
	if err != nil {
		logger.Error("Offline queue setup failed", "error", err)
		return ExitFatal
	}

	// 5. Telemetry.
	instanceID, err := telemetry.PersistentInstanceID(stateDir)
	if err != nil {
		logger.Warn("Instance id persistence failed", "error", err)
	}
	reporter := telemetry.NewReporter(cfg.Telemetry.Enabled, cfg.Telemetry.Endpoint,
		instanceID, cfg.Telemetry.BatchSize, cfg.Telemetry.FlushInterval)
	reporter.Start()
	defer reporter.Stop()

	// 6. Sync channel.
	var transport syncengine.Transport
	if cfg.Sync.PeerURL != "" {
		transport = syncengine.NewWSTransport(cfg.Sync.PeerURL, verifier.Token())
	}
	engine := syncengine.New(originID(), verifier.Token(), sessionStore, queue, transport, recorder, cfg.Sync)
	engine.Start(ctx)
	defer engine.Stop()

	opRouter := router.New(reg, adapters, tracker, gate, limiter, recorder, operationStore(db), router.Options{
		ApprovalThresholdUSD:    cfg.Approval.ThresholdUSD,
		RetryCountsAgainstLimit: cfg.RateLimit.RetryCountsAgainstLimit,
	})

	var scheduler *synthesis.Scheduler
	if cfg.Synthesis.Enabled {
		scheduler = synthesis.New(opRouter, sessionStore, memoryStore(db), recorder,
			configuredUsers(cfg), cfg.Synthesis.Interval)
		scheduler.Start(ctx)
		defer scheduler.Stop()
	}

	// 7. API listener.
	apiServer := api.NewServer(opRouter, sessionStore, engine, gate, guard,
		enforcer, verifier, recorder, apiMemories(db), version.Full())
	httpServer := &http.Server{
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info("helixd started", "version", version.Full(), "port", port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	code := ExitClean
	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Gateway server failed", "error", err)
		code = ExitFatal
	case <-ctx.Done():
	}

	// Reverse order: the deferred stops unwind everything behind the API.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Gateway shutdown incomplete", "error", err)
	}

	// Final offline event, delivered synchronously before the sink closes.
	announceOffline(recorder, chainStore.Len())
	offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := sink.PostSync(offlineCtx, webhook.ChannelAlerts,
		webhook.NewEventMessage("helixd offline", webhook.ColorRed, nil)); err != nil {
		logger.Debug("Offline event not delivered", "error", err)
	}
	offlineCancel()
	sink.Stop()

	return code
}

// announceOnline chains the runtime start, mirrors it on the hash-chain
// channel, and posts the human-facing copy to alerts.
func announceOnline(recorder *audit.Recorder, sink *webhook.Sink, chainLen uint64) {
	recorder.PostExec(webhook.ChannelHashChain, audit.Event{
		Kind: audit.EventRuntimeStart,
		Detail: map[string]any{
			"version":      version.Full(),
			"chain_length": chainLen,
		},
	})
	sink.PostAsync(webhook.ChannelAlerts, webhook.NewEventMessage(
		"helixd online", webhook.ColorBlurple, []webhook.EmbedField{
			{Name: "version", Value: version.Full(), Inline: true},
			{Name: "chain_length", Value: fmt.Sprintf("%d", chainLen), Inline: true},
		}))
}

// announceOffline chains the runtime stop and mirrors it on the hash-chain
// channel.
func announceOffline(recorder *audit.Recorder, chainLen uint64) {
	recorder.PostExec(webhook.ChannelHashChain, audit.Event{
		Kind:   audit.EventRuntimeStop,
		Detail: map[string]any{"chain_length": chainLen},
	})
}

// probePorts tries primary..primary+span and returns the first free listener.
func probePorts(host string, primary, span int) (net.Listener, int, error) {
	if span <= 0 {
		span = 9
	}
	for port := primary; port <= primary+span; port++ {
		l, err := net.Listen("tcp", net.JoinHostPort(host, portString(port)))
		if err == nil {
			return l, port, nil
		}
	}
	return nil, 0, fmt.Errorf("ports %d..%d all in use", primary, primary+span)
}

func portString(port int) string {
	return strconv.Itoa(port)
}

func channelURLs(urls map[string]string) map[webhook.Channel]string {
	out := make(map[webhook.Channel]string, len(urls))
	for name, url := range urls {
		out[webhook.Channel(name)] = url
	}
	return out
}

func modelDescriptors(cfgs []config.ModelConfig) []models.ModelDescriptor {
	out := make([]models.ModelDescriptor, 0, len(cfgs))
	for _, m := range cfgs {
		out = append(out, m.Descriptor())
	}
	return out
}

// buildAdapters creates one adapter per provider. Anthropic gets the native
// SDK; everything else speaks the OpenAI-compatible chat endpoint.
func buildAdapters(modelCfgs []config.ModelConfig) map[string]adapter.Adapter {
	out := make(map[string]adapter.Adapter)
	for _, m := range modelCfgs {
		if _, ok := out[m.ProviderID]; ok {
			continue
		}
		apiKey := os.Getenv(m.APIKeyEnv)
		if m.ProviderID == "anthropic" {
			out[m.ProviderID] = adapter.NewAnthropicAdapter(apiKey)
			continue
		}
		out[m.ProviderID] = adapter.NewOpenAICompatAdapter(m.BaseURL, apiKey)
	}
	return out
}

func originID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return strings.ToLower(host)
	}
	return "local"
}

func configuredUsers(cfg *config.Config) func() []string {
	return func() []string {
		out := make([]string, 0, len(cfg.Users))
		for id := range cfg.Users {
			out = append(out, id)
		}
		return out
	}
}

// webhookDeciderPolicy notifies the alerts channel about pending approvals.
type webhookDeciderPolicy struct {
	sink *webhook.Sink
}

func (p webhookDeciderPolicy) Notify(req models.ApprovalRequest) {
	p.sink.PostAsync(webhook.ChannelAlerts, webhook.NewEventMessage(
		"Approval requested", webhook.ColorYellow, []webhook.EmbedField{
			{Name: "req_id", Value: req.ReqID, Inline: true},
			{Name: "user", Value: req.UserID, Inline: true},
			{Name: "cost_usd", Value: fmt.Sprintf("%.5f", req.CostUSD), Inline: true},
			{Name: "summary", Value: req.Summary},
		}))
}

// The nil-interface traps: a typed nil *store.Store inside a non-nil
// interface would defeat the callers' nil checks, so each slice is mapped
// explicitly.

func costsPersister(db *store.Store) costs.Persister {
	if db == nil {
		return nil
	}
	return db
}

func sessionsPersister(db *store.Store) sessions.Persister {
	if db == nil {
		return nil
	}
	return db
}

func operationStore(db *store.Store) router.OperationStore {
	if db == nil {
		return nil
	}
	return db
}

func memoryStore(db *store.Store) synthesis.MemoryStore {
	if db == nil {
		return nil
	}
	return db
}

func apiMemories(db *store.Store) api.MemoryStore {
	if db == nil {
		return nil
	}
	return db
}
