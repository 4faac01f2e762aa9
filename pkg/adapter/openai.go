package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/helix-runtime/helixd/pkg/faults"
	"github.com/helix-runtime/helixd/pkg/models"
)

// OpenAICompatAdapter speaks the chat-completions wire format used by OpenAI
// and the many local runtimes that mimic it (ollama, vllm, llama.cpp).
type OpenAICompatAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewOpenAICompatAdapter targets baseURL (e.g. https://api.openai.com/v1).
func NewOpenAICompatAdapter(baseURL, apiKey string) *OpenAICompatAdapter {
	return &OpenAICompatAdapter{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

type chatCompletionRequest struct {
	Model         string               `json:"model"`
	Messages      []chatRequestMessage `json:"messages"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *streamOptions       `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatRequestMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Invoke implements Adapter.
func (a *OpenAICompatAdapter) Invoke(ctx context.Context, modelID string, msgs []models.ChatMessage, maxOut int) (*Result, error) {
	reqBody := chatCompletionRequest{Model: modelID, MaxTokens: maxOut}
	for _, m := range msgs {
		reqBody.Messages = append(reqBody.Messages, chatRequestMessage{Role: m.Role, Content: m.Content})
	}
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return nil, faults.Wrap(faults.KindFatal, err, "encoding chat request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, faults.Wrap(faults.KindFatal, err, "building chat request")
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, faults.Wrap(faults.KindAdapterTimeout, err, "invoking %s", modelID)
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, faults.Wrap(faults.KindAdapterTimeout, err, "invoking %s", modelID)
		}
		return nil, faults.Wrap(faults.KindModelUnavailable, err, "invoking %s", modelID)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		switch resp.StatusCode {
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			return nil, faults.New(faults.KindModelUnavailable, "%s returned %d: %s", modelID, resp.StatusCode, body)
		}
		return nil, faults.New(faults.KindModelUnavailable, "%s returned %d: %s", modelID, resp.StatusCode, body)
	}

	var parsed chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, faults.Wrap(faults.KindModelUnavailable, err, "decoding %s response", modelID)
	}
	if len(parsed.Choices) == 0 {
		return nil, faults.New(faults.KindModelUnavailable, "%s returned no choices", modelID)
	}
	return &Result{
		Text:         parsed.Choices[0].Message.Content,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		FinishReason: parsed.Choices[0].FinishReason,
	}, nil
}

type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// InvokeStream implements Streamer over server-sent events. Runtimes that
// never send a usage chunk get output tokens estimated from the emitted text.
func (a *OpenAICompatAdapter) InvokeStream(ctx context.Context, modelID string, msgs []models.ChatMessage, maxOut int, emit func(string)) (*Result, error) {
	reqBody := chatCompletionRequest{
		Model:         modelID,
		MaxTokens:     maxOut,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}
	for _, m := range msgs {
		reqBody.Messages = append(reqBody.Messages, chatRequestMessage{Role: m.Role, Content: m.Content})
	}
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return nil, faults.Wrap(faults.KindFatal, err, "encoding chat request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, faults.Wrap(faults.KindFatal, err, "building chat request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, faults.Wrap(faults.KindAdapterTimeout, err, "streaming %s", modelID)
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, faults.Wrap(faults.KindAdapterTimeout, err, "streaming %s", modelID)
		}
		return nil, faults.Wrap(faults.KindModelUnavailable, err, "streaming %s", modelID)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, faults.New(faults.KindModelUnavailable, "%s returned %d: %s", modelID, resp.StatusCode, body)
	}

	res := &Result{}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			res.InputTokens = chunk.Usage.PromptTokens
			res.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			res.Text += delta
			emit(delta)
		}
		if fr := chunk.Choices[0].FinishReason; fr != "" {
			res.FinishReason = fr
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, faults.Wrap(faults.KindAdapterTimeout, err, "streaming %s", modelID)
		}
		return nil, faults.Wrap(faults.KindModelUnavailable, err, "streaming %s", modelID)
	}
	if res.OutputTokens == 0 {
		res.OutputTokens = len(res.Text) / 4
	}
	return res, nil
}
