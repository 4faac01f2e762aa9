// Package synthesis schedules periodic memory-synthesis runs through the
// operation router. What the model distills from a transcript is opaque here;
// this package only schedules, routes and stores.
package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helix-runtime/helixd/pkg/audit"
	"github.com/helix-runtime/helixd/pkg/models"
	"github.com/helix-runtime/helixd/pkg/router"
	"github.com/helix-runtime/helixd/pkg/sessions"
	"github.com/helix-runtime/helixd/pkg/webhook"
)

const synthesisPrompt = "Distill the durable facts, preferences and open threads " +
	"from this conversation transcript into a compact JSON object."

// Executor routes one operation. Satisfied by *router.Router.
type Executor interface {
	Execute(ctx context.Context, req models.OperationRequest) (*router.Outcome, error)
}

// MemoryStore persists synthesized memories. Implemented by pkg/store.
type MemoryStore interface {
	SaveMemory(ctx context.Context, m models.Memory) error
}

// Scheduler runs memory synthesis for each active user on a fixed interval.
type Scheduler struct {
	exec     Executor
	sessions *sessions.Store
	memories MemoryStore
	recorder *audit.Recorder
	users    func() []string
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	lastRun map[string]time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a scheduler. users enumerates the ids to synthesize for;
// memories may be nil (results are then only chain-logged).
func New(exec Executor, store *sessions.Store, memories MemoryStore, recorder *audit.Recorder, users func() []string, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Scheduler{
		exec:     exec,
		sessions: store,
		memories: memories,
		recorder: recorder,
		users:    users,
		interval: interval,
		logger:   slog.Default().With("component", "synthesis"),
		lastRun:  make(map[string]time.Time),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop halts the loop.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce synthesizes for every user with activity since their last run.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, userID := range s.users() {
		if err := s.runUser(ctx, userID); err != nil {
			s.logger.Warn("Memory synthesis failed", "user_id", userID, "error", err)
		}
	}
}

func (s *Scheduler) runUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	since := s.lastRun[userID]
	s.mu.Unlock()

	transcript := s.transcriptSince(userID, since)
	if transcript == "" {
		return nil
	}

	out, err := s.exec.Execute(ctx, models.OperationRequest{
		UserID:      userID,
		OpKind:      models.OpMemorySynthesis,
		Criticality: models.CriticalityLow,
		Messages: []models.ChatMessage{
			{Role: "system", Content: synthesisPrompt},
			{Role: "user", Content: transcript},
		},
		InputTokensEst: len(transcript) / 4,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.lastRun[userID] = time.Now().UTC()
	s.mu.Unlock()

	if s.memories != nil {
		mem := models.Memory{
			ID:        uuid.NewString(),
			UserID:    userID,
			Content:   synthesisContent(out.Text),
			CreatedTS: time.Now().UTC(),
		}
		if err := s.memories.SaveMemory(ctx, mem); err != nil {
			return fmt.Errorf("persisting synthesized memory: %w", err)
		}
	}
	if s.recorder != nil {
		s.recorder.PostExec(webhook.ChannelConsciousness, audit.Event{
			Kind:  "synthesis.completed",
			Actor: userID,
			OpID:  out.Record.OpID,
			Detail: map[string]any{
				"model_id": out.Record.ModelID,
				"cost_usd": out.Record.CostUSD,
			},
		})
	}
	return nil
}

// synthesisContent keeps model output as-is when it is valid JSON and wraps
// it otherwise.
func synthesisContent(text string) json.RawMessage {
	trimmed := strings.TrimSpace(text)
	if json.Valid([]byte(trimmed)) && trimmed != "" {
		return json.RawMessage(trimmed)
	}
	wrapped, _ := json.Marshal(map[string]string{"text": text})
	return wrapped
}

func (s *Scheduler) transcriptSince(userID string, since time.Time) string {
	var b strings.Builder
	for _, sess := range s.sessions.List(userID) {
		for _, msg := range sess.Messages {
			if !msg.Timestamp.After(since) {
				continue
			}
			b.WriteString(msg.Role)
			b.WriteString(": ")
			b.WriteString(msg.Content)
			b.WriteByte('\n')
		}
	}
	return b.String()
}
