package adapter

import (
	"context"
	"errors"
	"net"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/helix-runtime/helixd/pkg/faults"
	"github.com/helix-runtime/helixd/pkg/models"
)

// AnthropicAdapter invokes the Anthropic Messages API.
type AnthropicAdapter struct {
	client anthropic.Client
}

// NewAnthropicAdapter creates an adapter authenticated with apiKey.
func NewAnthropicAdapter(apiKey string) *AnthropicAdapter {
	return &AnthropicAdapter{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Invoke implements Adapter.
func (a *AnthropicAdapter) Invoke(ctx context.Context, modelID string, msgs []models.ChatMessage, maxOut int) (*Result, error) {
	var (
		system   []anthropic.TextBlockParam
		messages []anthropic.MessageParam
	)
	for _, m := range msgs {
		switch m.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(modelID),
		MaxTokens: int64(maxOut),
		System:    system,
		Messages:  messages,
	})
	if err != nil {
		return nil, mapAnthropicError(err, modelID)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return &Result{
		Text:         text,
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
		FinishReason: string(resp.StopReason),
	}, nil
}

// InvokeStream implements Streamer via the Messages streaming API.
func (a *AnthropicAdapter) InvokeStream(ctx context.Context, modelID string, msgs []models.ChatMessage, maxOut int, emit func(string)) (*Result, error) {
	var (
		system   []anthropic.TextBlockParam
		messages []anthropic.MessageParam
	)
	for _, m := range msgs {
		switch m.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	stream := a.client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(modelID),
		MaxTokens: int64(maxOut),
		System:    system,
		Messages:  messages,
	})
	var acc anthropic.Message
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return nil, mapAnthropicError(err, modelID)
		}
		if delta := event.Delta.Text; delta != "" {
			emit(delta)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, mapAnthropicError(err, modelID)
	}

	var text string
	for _, block := range acc.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return &Result{
		Text:         text,
		InputTokens:  int(acc.Usage.InputTokens),
		OutputTokens: int(acc.Usage.OutputTokens),
		FinishReason: string(acc.StopReason),
	}, nil
}

func mapAnthropicError(err error, modelID string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Wrap(faults.KindAdapterTimeout, err, "anthropic invoke %s", modelID)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return faults.Wrap(faults.KindAdapterTimeout, err, "anthropic invoke %s", modelID)
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 503, 529:
			return faults.Wrap(faults.KindModelUnavailable, err, "anthropic %s saturated", modelID)
		}
	}
	return faults.Wrap(faults.KindModelUnavailable, err, "anthropic invoke %s", modelID)
}
