// Package adapter abstracts provider SDKs behind a single Invoke interface.
// Adapters translate provider errors into the runtime's fault kinds; they
// never gate, meter or log to the chain themselves.
package adapter

import (
	"context"

	"github.com/helix-runtime/helixd/pkg/models"
)

// Result is the normalized outcome of a model invocation.
type Result struct {
	Text         string
	InputTokens  int
	OutputTokens int
	FinishReason string
}

// Adapter invokes one provider. maxOut bounds the generated output tokens.
type Adapter interface {
	// Invoke sends the conversation to modelID. Transport timeouts map to
	// adapter_timeout, provider saturation to model_unavailable.
	Invoke(ctx context.Context, modelID string, msgs []models.ChatMessage, maxOut int) (*Result, error)
}

// Streamer is implemented by adapters that can deliver output incrementally.
// emit is called once per text delta, in order, from a single goroutine. The
// returned Result carries the full text and final usage.
type Streamer interface {
	InvokeStream(ctx context.Context, modelID string, msgs []models.ChatMessage, maxOut int, emit func(delta string)) (*Result, error)
}
