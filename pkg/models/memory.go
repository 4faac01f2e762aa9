package models

import (
	"encoding/json"
	"time"
)

// Memory is one synthesized memory blob. Content is opaque to the runtime;
// the synthesis model decides its shape.
type Memory struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Content   json.RawMessage `json:"content"`
	CreatedTS time.Time       `json:"created_ts"`
}
