package adapter

import (
	"context"
	"sync"

	"github.com/helix-runtime/helixd/pkg/models"
)

// MockAdapter is a scriptable adapter for tests. Responses are consumed in
// order; when the script is exhausted the last response repeats.
type MockAdapter struct {
	mu        sync.Mutex
	script    []MockResponse
	callCount int
	Calls     []MockCall
}

// MockResponse is one scripted outcome.
type MockResponse struct {
	Result *Result
	Err    error
}

// MockCall records the arguments of one Invoke.
type MockCall struct {
	ModelID string
	Msgs    []models.ChatMessage
	MaxOut  int
}

// NewMockAdapter scripts the given responses.
func NewMockAdapter(responses ...MockResponse) *MockAdapter {
	return &MockAdapter{script: responses}
}

// Invoke implements Adapter.
func (m *MockAdapter) Invoke(_ context.Context, modelID string, msgs []models.ChatMessage, maxOut int) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, MockCall{ModelID: modelID, Msgs: msgs, MaxOut: maxOut})
	if len(m.script) == 0 {
		return &Result{Text: "ok", InputTokens: 10, OutputTokens: 10, FinishReason: "end_turn"}, nil
	}
	idx := m.callCount
	if idx >= len(m.script) {
		idx = len(m.script) - 1
	}
	m.callCount++
	r := m.script[idx]
	return r.Result, r.Err
}

// InvokeStream implements Streamer. The scripted text is emitted in two
// deltas so callers can observe incremental delivery.
func (m *MockAdapter) InvokeStream(ctx context.Context, modelID string, msgs []models.ChatMessage, maxOut int, emit func(string)) (*Result, error) {
	res, err := m.Invoke(ctx, modelID, msgs, maxOut)
	if err != nil {
		return nil, err
	}
	if n := len(res.Text); n > 1 {
		emit(res.Text[:n/2])
		emit(res.Text[n/2:])
	} else if n == 1 {
		emit(res.Text)
	}
	return res, nil
}

// CallCount returns how many times Invoke ran.
func (m *MockAdapter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}
