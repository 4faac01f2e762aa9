package models

import (
	"time"
)

// SessionStatus is the lifecycle state of a conversation session.
type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionPaused      SessionStatus = "paused"
	SessionCompleted   SessionStatus = "completed"
	SessionTransferred SessionStatus = "transferred"
)

// Origin identifies which surface a session or message came from.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
	OriginMobile Origin = "mobile"
)

// SessionMessage is a single message within a session, ordered by Timestamp.
type SessionMessage struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      string         `json:"role"` // user, assistant, system
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"ts"`
	Origin    Origin         `json:"origin"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SyncState tracks a session's synchronization progress with the peer.
// Mutations go through the session's sync actor only.
type SyncState struct {
	LocalVersion   int       `json:"local_version"`
	RemoteVersion  int       `json:"remote_version"`
	PendingChanges int       `json:"pending_changes"`
	ConflictCount  int       `json:"conflict_count"`
	LastSyncTS     time.Time `json:"last_sync_ts"`
}

// Session is a conversation session. Messages reference the session by id
// only; there are no object cycles.
type Session struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id"`
	Status         SessionStatus    `json:"status"`
	Origin         Origin           `json:"origin"`
	StartTS        time.Time        `json:"start_ts"`
	LastActivityTS time.Time        `json:"last_activity_ts"`
	Messages       []SessionMessage `json:"messages"`
	SyncState      SyncState        `json:"sync_state"`
}

// Clone returns a deep copy safe to hand outside the owning actor.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Messages = make([]SessionMessage, len(s.Messages))
	copy(cp.Messages, s.Messages)
	return &cp
}
