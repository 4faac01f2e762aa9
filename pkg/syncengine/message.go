// Package syncengine replicates sessions between this runtime and a peer.
// Each session has a dedicated actor goroutine; all mutation of a session's
// sync state funnels through it.
package syncengine

import "github.com/helix-runtime/helixd/pkg/models"

// MessageKind is the wire discriminator of sync protocol messages. Unknown
// kinds are rejected, never coerced.
type MessageKind string

const (
	KindAuth            MessageKind = "auth"
	KindSyncChange      MessageKind = "sync.change"
	KindSyncDelta       MessageKind = "sync.delta"
	KindSyncConflict    MessageKind = "sync.conflict"
	KindSyncAck         MessageKind = "sync.ack"
	KindResolveConflict MessageKind = "sync.resolve_conflict"
	KindError           MessageKind = "error"
)

// ValidKind reports whether k is a known message kind.
func ValidKind(k MessageKind) bool {
	switch k {
	case KindAuth, KindSyncChange, KindSyncDelta, KindSyncConflict,
		KindSyncAck, KindResolveConflict, KindError:
		return true
	}
	return false
}

// Message is one frame on the sync channel.
type Message struct {
	Kind       MessageKind                `json:"kind"`
	SessionID  string                     `json:"session_id,omitempty"`
	Delta      *models.Delta              `json:"delta,omitempty"`
	Conflict   *models.Conflict           `json:"conflict,omitempty"`
	Resolution models.ConflictResolution  `json:"resolution,omitempty"`
	AckID      string                     `json:"ack_id,omitempty"`
	Token      string                     `json:"token,omitempty"`
	Error      string                     `json:"error,omitempty"`
}
