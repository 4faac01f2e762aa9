package syncengine

import (
	"time"

	"github.com/helix-runtime/helixd/pkg/models"
)

// resolveMerge builds the merged delta for a conflict. Text fields append
// both sides; structured fields take the last writer by timestamp, breaking
// ties by lexicographically greater origin id.
func resolveMerge(c *models.Conflict) models.Delta {
	merged := c.Local
	merged.ChangedFields = make(map[string]any, len(c.Local.ChangedFields)+len(c.Remote.ChangedFields))
	for k, v := range c.Local.ChangedFields {
		merged.ChangedFields[k] = v
	}
	for k, rv := range c.Remote.ChangedFields {
		lv, both := merged.ChangedFields[k]
		if !both {
			merged.ChangedFields[k] = rv
			continue
		}
		ls, lok := lv.(string)
		rs, rok := rv.(string)
		if lok && rok && ls != rs {
			// Text: keep both, earlier writer first.
			if deltaWins(c.Remote, c.Local) {
				merged.ChangedFields[k] = ls + "\n" + rs
			} else {
				merged.ChangedFields[k] = rs + "\n" + ls
			}
			continue
		}
		if deltaWins(c.Remote, c.Local) {
			merged.ChangedFields[k] = rv
		}
	}

	clock := c.Local.VectorClock.Clone()
	clock.Merge(c.Remote.VectorClock)
	merged.VectorClock = clock
	merged.Timestamp = laterTime(c.Local.Timestamp, c.Remote.Timestamp)
	return merged
}

// deltaWins reports whether a beats b under last-writer-wins.
func deltaWins(a, b models.Delta) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.Origin > b.Origin
}

func laterTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
