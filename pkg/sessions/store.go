// Package sessions is the authoritative in-memory session store with
// write-through persistence. Sync-state mutations are reserved to the sync
// engine's per-session actors; everything else goes through the accessors
// here.
package sessions

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helix-runtime/helixd/pkg/faults"
	"github.com/helix-runtime/helixd/pkg/models"
)

// Persister is the datastore slice the store writes through to. Implemented
// by pkg/store; may be nil for ephemeral runs.
type Persister interface {
	SaveSession(ctx context.Context, s *models.Session) error
	SaveMessage(ctx context.Context, m models.SessionMessage) error
}

// Store guards the session map. Returned sessions are deep copies; mutation
// happens through the store's methods only.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	db       Persister
	logger   *slog.Logger
}

// NewStore creates a session store. db may be nil.
func NewStore(db Persister) *Store {
	return &Store{
		sessions: make(map[string]*models.Session),
		db:       db,
		logger:   slog.Default().With("component", "sessions"),
	}
}

// Create starts a new active session for userID at origin.
func (s *Store) Create(ctx context.Context, userID string, origin models.Origin) (*models.Session, error) {
	now := time.Now().UTC()
	sess := &models.Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Status:         models.SessionActive,
		Origin:         origin,
		StartTS:        now,
		LastActivityTS: now,
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	if s.db != nil {
		if err := s.db.SaveSession(ctx, sess); err != nil {
			s.logger.Error("Session persist failed", "session_id", sess.ID, "error", err)
		}
	}
	return sess.Clone(), nil
}

// Put inserts or replaces a session wholesale (resume path).
func (s *Store) Put(ctx context.Context, sess *models.Session) {
	s.mu.Lock()
	s.sessions[sess.ID] = sess.Clone()
	s.mu.Unlock()
	if s.db != nil {
		if err := s.db.SaveSession(ctx, sess); err != nil {
			s.logger.Error("Session persist failed", "session_id", sess.ID, "error", err)
		}
	}
}

// Get returns a deep copy of the session.
func (s *Store) Get(id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, faults.New(faults.KindFatal, "unknown session %s", id)
	}
	return sess.Clone(), nil
}

// List returns all sessions for userID, most recent activity first.
func (s *Store) List(userID string) []*models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, sess.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityTS.After(out[j].LastActivityTS)
	})
	return out
}

// AppendMessage adds a message to its session ordered by timestamp.
func (s *Store) AppendMessage(ctx context.Context, msg models.SessionMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	s.mu.Lock()
	sess, ok := s.sessions[msg.SessionID]
	if !ok {
		s.mu.Unlock()
		return faults.New(faults.KindFatal, "unknown session %s", msg.SessionID)
	}
	sess.Messages = append(sess.Messages, msg)
	sort.SliceStable(sess.Messages, func(i, j int) bool {
		return sess.Messages[i].Timestamp.Before(sess.Messages[j].Timestamp)
	})
	if msg.Timestamp.After(sess.LastActivityTS) {
		sess.LastActivityTS = msg.Timestamp
	}
	s.mu.Unlock()

	if s.db != nil {
		if err := s.db.SaveMessage(ctx, msg); err != nil {
			s.logger.Error("Message persist failed", "message_id", msg.ID, "error", err)
		}
	}
	return nil
}

// Mutate runs fn against the live session under the write lock. The sync
// engine uses this for status, origin and sync-state changes.
func (s *Store) Mutate(id string, fn func(*models.Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return faults.New(faults.KindFatal, "unknown session %s", id)
	}
	return fn(sess)
}
