package syncengine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/helix-runtime/helixd/pkg/models"
)

// OfflineQueue parks deltas while the sync channel is down. One append-only
// JSONL file per session keeps FIFO order across restarts; drains dedupe by
// delta id.
type OfflineQueue struct {
	mu  sync.Mutex
	dir string
}

// NewOfflineQueue opens the queue directory.
func NewOfflineQueue(dir string) (*OfflineQueue, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating offline queue directory: %w", err)
	}
	return &OfflineQueue{dir: dir}, nil
}

func (q *OfflineQueue) path(sessionID string) string {
	// Session ids are uuids; sanitize anyway.
	safe := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' {
			return r
		}
		return '_'
	}, sessionID)
	return filepath.Join(q.dir, safe+".log")
}

// Enqueue appends delta to the session's queue file.
func (q *OfflineQueue) Enqueue(delta models.Delta) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	qc := models.QueuedChange{ID: delta.ID, Delta: delta, EnqueuedTS: time.Now().UTC()}
	line, err := json.Marshal(qc)
	if err != nil {
		return fmt.Errorf("encoding queued change: %w", err)
	}
	f, err := os.OpenFile(q.path(delta.SessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("opening queue file: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending queued change: %w", err)
	}
	return f.Sync()
}

// Pending returns the session's queued changes in FIFO order with duplicate
// ids suppressed (first occurrence wins).
func (q *OfflineQueue) Pending(sessionID string) ([]models.QueuedChange, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readLocked(sessionID)
}

func (q *OfflineQueue) readLocked(sessionID string) ([]models.QueuedChange, error) {
	f, err := os.Open(q.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening queue file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var (
		out  []models.QueuedChange
		seen = map[string]bool{}
	)
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading queue file: %w", err)
		}
		var qc models.QueuedChange
		if err := json.Unmarshal(line, &qc); err != nil {
			// Torn tail write; everything before it is intact.
			break
		}
		if seen[qc.ID] {
			continue
		}
		seen[qc.ID] = true
		out = append(out, qc)
	}
	return out, nil
}

// Sessions lists session ids with queued changes.
func (q *OfflineQueue) Sessions() ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("listing offline queue: %w", err)
	}
	var out []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".log"); ok {
			out = append(out, name)
		}
	}
	return out, nil
}

// Clear removes the session's queue file after a successful drain.
func (q *OfflineQueue) Clear(sessionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := os.Remove(q.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing queue: %w", err)
	}
	return nil
}

// Len returns the number of deduplicated pending changes for the session.
func (q *OfflineQueue) Len(sessionID string) int {
	pending, err := q.Pending(sessionID)
	if err != nil {
		return 0
	}
	return len(pending)
}
