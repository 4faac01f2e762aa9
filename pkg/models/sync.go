package models

import (
	"time"
)

// DeltaOp is the mutation type a Delta describes.
type DeltaOp string

const (
	DeltaInsert DeltaOp = "insert"
	DeltaUpdate DeltaOp = "update"
	DeltaDelete DeltaOp = "delete"
)

// VectorClock maps origin ids to monotonically increasing counters. It
// decides happens-before between deltas produced on different surfaces.
type VectorClock map[string]uint64

// Clone returns an independent copy of the clock.
func (v VectorClock) Clone() VectorClock {
	cp := make(VectorClock, len(v))
	for k, n := range v {
		cp[k] = n
	}
	return cp
}

// Increment bumps the counter for origin and returns the clock for chaining.
func (v VectorClock) Increment(origin string) VectorClock {
	v[origin]++
	return v
}

// Merge folds other into v taking the per-origin maximum.
func (v VectorClock) Merge(other VectorClock) {
	for origin, n := range other {
		if n > v[origin] {
			v[origin] = n
		}
	}
}

// HappensBefore reports whether v strictly precedes other: no component of v
// exceeds other and at least one is strictly smaller.
func (v VectorClock) HappensBefore(other VectorClock) bool {
	atLeastOneLess := false
	for origin, n := range v {
		on := other[origin]
		if n > on {
			return false
		}
		if n < on {
			atLeastOneLess = true
		}
	}
	for origin, on := range other {
		if _, ok := v[origin]; !ok && on > 0 {
			atLeastOneLess = true
		}
	}
	return atLeastOneLess
}

// Concurrent reports whether neither clock precedes the other.
func (v VectorClock) Concurrent(other VectorClock) bool {
	return !v.HappensBefore(other) && !other.HappensBefore(v)
}

// Delta is one sync change unit exchanged between runtime and peer.
type Delta struct {
	ID            string         `json:"id"`
	EntityKind    string         `json:"entity_kind"` // session, message
	EntityID      string         `json:"entity_id"`
	SessionID     string         `json:"session_id"`
	Op            DeltaOp        `json:"op"`
	ChangedFields map[string]any `json:"changed_fields"`
	VectorClock   VectorClock    `json:"vector_clock"`
	Origin        string         `json:"origin"`
	Timestamp     time.Time      `json:"ts"`
}

// ConflictResolution names the strategy applied to a conflict.
type ConflictResolution string

const (
	ResolutionLocalWins  ConflictResolution = "local-wins"
	ResolutionRemoteWins ConflictResolution = "remote-wins"
	ResolutionMerge      ConflictResolution = "merge"
)

// Conflict is a pair of deltas for the same entity whose vector clocks are
// incomparable and whose contents differ.
type Conflict struct {
	ID         string              `json:"id"`
	EntityKind string              `json:"entity_kind"`
	EntityID   string              `json:"entity_id"`
	SessionID  string              `json:"session_id"`
	Local      Delta               `json:"local"`
	Remote     Delta               `json:"remote"`
	DetectedTS time.Time           `json:"detected_ts"`
	Resolution *ConflictResolution `json:"resolution,omitempty"`
	ResolvedTS *time.Time          `json:"resolved_ts,omitempty"`
}

// QueuedChange is a delta parked in the offline queue while the sync channel
// is down. FIFO per session; deduplicated by delta id on drain.
type QueuedChange struct {
	ID         string    `json:"id"`
	Delta      Delta     `json:"delta"`
	EnqueuedTS time.Time `json:"enqueued_ts"`
}
