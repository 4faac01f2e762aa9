package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helix-runtime/helixd/pkg/faults"
	"github.com/helix-runtime/helixd/pkg/models"
)

func TestOpenAICompatAdapter_Invoke(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/chat/completions", r.URL.Path)
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

			var req chatCompletionRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "local-llama", req.Model)
			assert.Equal(t, 400, req.MaxTokens)

			_ = json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{{
					"message":       map[string]string{"content": "hello back"},
					"finish_reason": "stop",
				}},
				"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 7},
			})
		}))
		defer srv.Close()

		a := NewOpenAICompatAdapter(srv.URL+"/v1", "test-key")
		res, err := a.Invoke(context.Background(), "local-llama",
			[]models.ChatMessage{{Role: "user", Content: "hello"}}, 400)
		require.NoError(t, err)
		assert.Equal(t, "hello back", res.Text)
		assert.Equal(t, 12, res.InputTokens)
		assert.Equal(t, 7, res.OutputTokens)
		assert.Equal(t, "stop", res.FinishReason)
	})

	t.Run("429 maps to model_unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		a := NewOpenAICompatAdapter(srv.URL, "")
		_, err := a.Invoke(context.Background(), "m", nil, 100)
		require.Error(t, err)
		assert.Equal(t, faults.KindModelUnavailable, faults.KindOf(err))
	})

	t.Run("context deadline maps to adapter_timeout", func(t *testing.T) {
		block := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-block
		}))
		defer srv.Close()
		defer close(block)

		ctx, cancel := context.WithTimeout(context.Background(), 0)
		defer cancel()

		a := NewOpenAICompatAdapter(srv.URL, "")
		_, err := a.Invoke(ctx, "m", nil, 100)
		require.Error(t, err)
		assert.Equal(t, faults.KindAdapterTimeout, faults.KindOf(err))
	})
}

func TestOpenAICompatAdapter_InvokeStream(t *testing.T) {
	t.Run("sse deltas and usage", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req chatCompletionRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.True(t, req.Stream)

			w.Header().Set("Content-Type", "text/event-stream")
			for _, line := range []string{
				`data: {"choices":[{"delta":{"content":"hel"}}]}`,
				``,
				`data: {"choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
				``,
				`data: {"choices":[],"usage":{"prompt_tokens":9,"completion_tokens":2}}`,
				``,
				`data: [DONE]`,
			} {
				_, _ = w.Write([]byte(line + "\n"))
			}
		}))
		defer srv.Close()

		a := NewOpenAICompatAdapter(srv.URL, "")
		var deltas []string
		res, err := a.InvokeStream(context.Background(), "m",
			[]models.ChatMessage{{Role: "user", Content: "hi"}}, 100,
			func(d string) { deltas = append(deltas, d) })
		require.NoError(t, err)

		assert.Equal(t, []string{"hel", "lo"}, deltas)
		assert.Equal(t, "hello", res.Text)
		assert.Equal(t, 9, res.InputTokens)
		assert.Equal(t, 2, res.OutputTokens)
		assert.Equal(t, "stop", res.FinishReason)
	})

	t.Run("missing usage falls back to text estimate", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`data: {"choices":[{"delta":{"content":"12345678"},"finish_reason":"stop"}]}` + "\n"))
			_, _ = w.Write([]byte("data: [DONE]\n"))
		}))
		defer srv.Close()

		a := NewOpenAICompatAdapter(srv.URL, "")
		res, err := a.InvokeStream(context.Background(), "m", nil, 100, func(string) {})
		require.NoError(t, err)
		assert.Equal(t, 2, res.OutputTokens)
	})

	t.Run("http error maps to model_unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		a := NewOpenAICompatAdapter(srv.URL, "")
		_, err := a.InvokeStream(context.Background(), "m", nil, 100, func(string) {})
		require.Error(t, err)
		assert.Equal(t, faults.KindModelUnavailable, faults.KindOf(err))
	})
}
