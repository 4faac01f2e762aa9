package telemetry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Event is one anonymized usage event. Fields must never contain user
// content, prompts or identifiers; counts and durations only.
type Event struct {
	Kind   string         `json:"kind"`
	TS     time.Time      `json:"ts"`
	Fields map[string]any `json:"fields,omitempty"`
}

// InstanceID derives the anonymized installation id: a double SHA-256 of the
// seed, so the raw seed cannot be recovered or correlated by a single-pass
// hash of a guessed hostname.
func InstanceID(seed string) string {
	first := sha256.Sum256([]byte(seed))
	second := sha256.Sum256(first[:])
	return hex.EncodeToString(second[:])
}

// Reporter batches events and uploads them when the batch fills or the flush
// interval elapses, whichever comes first. A disabled reporter drops
// everything at the door.
type Reporter struct {
	enabled    bool
	endpoint   string
	instanceID string
	batchSize  int
	interval   time.Duration
	httpc      *http.Client
	logger     *slog.Logger

	mu    sync.Mutex
	batch []Event

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// PersistentInstanceID loads the anonymized instance id from
// stateDir/instance-id, deriving and persisting it on first run.
func PersistentInstanceID(stateDir string) (string, error) {
	path := filepath.Join(stateDir, "instance-id")
	if raw, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(raw)); len(id) == 64 {
			return id, nil
		}
	}
	host, _ := os.Hostname()
	id := InstanceID(host + "|" + runtime.GOOS + "|" + runtime.GOARCH)
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return "", fmt.Errorf("creating state directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persisting instance id: %w", err)
	}
	return id, nil
}

// NewReporter creates a reporter. When enabled is false every Record call is
// a no-op. An empty instanceID falls back to a hostname-derived one.
func NewReporter(enabled bool, endpoint, instanceID string, batchSize int, interval time.Duration) *Reporter {
	if batchSize <= 0 {
		batchSize = 25
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if instanceID == "" {
		host, _ := os.Hostname()
		instanceID = InstanceID(host)
	}
	return &Reporter{
		enabled:    enabled,
		endpoint:   endpoint,
		instanceID: instanceID,
		batchSize:  batchSize,
		interval:   interval,
		httpc:      &http.Client{Timeout: 10 * time.Second},
		logger:     slog.Default().With("component", "telemetry"),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the periodic flush loop.
func (r *Reporter) Start() {
	if !r.enabled {
		return
	}
	r.wg.Add(1)
	go r.loop()
}

// Stop flushes what remains and halts the loop.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	if r.enabled {
		r.flush()
	}
}

// Record queues one event. Flushes asynchronously when the batch is full.
func (r *Reporter) Record(ev Event) {
	if !r.enabled {
		return
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	r.mu.Lock()
	r.batch = append(r.batch, ev)
	full := len(r.batch) >= r.batchSize
	r.mu.Unlock()
	if full {
		go r.flush()
	}
}

// Pending returns the number of queued events.
func (r *Reporter) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batch)
}

func (r *Reporter) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.flush()
		}
	}
}

func (r *Reporter) flush() {
	r.mu.Lock()
	batch := r.batch
	r.batch = nil
	r.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	if r.endpoint == "" {
		r.logger.Debug("No telemetry endpoint configured, dropping batch", "events", len(batch))
		return
	}
	if err := r.upload(batch); err != nil {
		r.logger.Warn("Telemetry upload failed, dropping batch", "events", len(batch), "error", err)
	}
}

func (r *Reporter) upload(batch []Event) error {
	body, err := json.Marshal(map[string]any{
		"instance_id": r.instanceID,
		"events":      batch,
	})
	if err != nil {
		return fmt.Errorf("encoding telemetry batch: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building telemetry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.httpc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telemetry endpoint returned %d", resp.StatusCode)
	}
	return nil
}
