// Package webhook delivers runtime notifications to Discord-compatible
// webhook endpoints. Each logical channel has its own URL, queue and rate
// limiter so a noisy channel cannot starve the others.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/helix-runtime/helixd/pkg/faults"
)

// Channel names a webhook destination.
type Channel string

const (
	ChannelCommands      Channel = "commands"
	ChannelAPI           Channel = "api"
	ChannelFileChanges   Channel = "file-changes"
	ChannelConsciousness Channel = "consciousness"
	ChannelAlerts        Channel = "alerts"
	ChannelHashChain     Channel = "hash-chain"
)

// Embed colors, one per event family.
const (
	ColorBlurple = 0x5865F2
	ColorGreen   = 0x57F287
	ColorYellow  = 0xFEE75C
	ColorPink    = 0xEB459E
	ColorRed     = 0xED4245
	ColorPurple  = 0x9B59B6
)

// EmbedField is a single name/value pair in an embed.
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Embed is the Discord-compatible rich message body.
type Embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"` // RFC3339
}

// EmbedFooter is the small trailer line of an embed.
type EmbedFooter struct {
	Text string `json:"text"`
}

// Message is the webhook request body.
type Message struct {
	Content string  `json:"content,omitempty"`
	Embeds  []Embed `json:"embeds,omitempty"`
}

// Config holds the per-channel endpoint URLs. Channels with an empty URL are
// disabled; posts to them succeed as no-ops.
type Config struct {
	URLs map[Channel]string

	// QueueSize bounds each channel's async queue. Default 256.
	QueueSize int

	// SyncTimeout bounds PostSync HTTP round trips. Default 3s.
	SyncTimeout time.Duration

	// RatePerSecond paces deliveries per channel. Default 5.
	RatePerSecond float64
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 3 * time.Second
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 5
	}
	return c
}

type queued struct {
	channel Channel
	msg     Message
}

// Sink posts messages to the configured channels. One delivery worker per
// channel drains that channel's queue under its rate limiter.
type Sink struct {
	cfg      Config
	client   *http.Client
	logger   *slog.Logger
	queues   map[Channel]chan queued
	limiters map[Channel]*rate.Limiter

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSink creates a sink and starts its delivery workers.
func NewSink(cfg Config) *Sink {
	cfg = cfg.withDefaults()
	s := &Sink{
		cfg:      cfg,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   slog.Default().With("component", "webhook"),
		queues:   make(map[Channel]chan queued),
		limiters: make(map[Channel]*rate.Limiter),
		stopCh:   make(chan struct{}),
	}
	for ch, url := range cfg.URLs {
		if url == "" {
			continue
		}
		s.queues[ch] = make(chan queued, cfg.QueueSize)
		s.limiters[ch] = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
		s.wg.Add(1)
		go s.deliverLoop(ch)
	}
	return s
}

// Stop drains nothing: it signals workers and waits for in-flight deliveries.
// Queued-but-undelivered async messages are dropped.
func (s *Sink) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Enabled reports whether the channel has a configured endpoint.
func (s *Sink) Enabled(ch Channel) bool {
	_, ok := s.queues[ch]
	return ok
}

// PostSync delivers msg to ch and waits for the endpoint response. It is used
// on the pre-execution path: a failure here must block the guarded action, so
// the error carries faults.KindPreconditionUnavailable. Disabled channels
// succeed immediately.
func (s *Sink) PostSync(ctx context.Context, ch Channel, msg Message) error {
	url, ok := s.cfg.URLs[ch]
	if !ok || url == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout)
	defer cancel()

	if lim := s.limiters[ch]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return faults.Wrap(faults.KindPreconditionUnavailable, err, "webhook %s rate wait", ch)
		}
	}
	if err := s.post(ctx, url, msg); err != nil {
		return faults.Wrap(faults.KindPreconditionUnavailable, err, "webhook %s post", ch)
	}
	return nil
}

// PostAsync enqueues msg for background delivery. When the channel queue is
// full the message is dropped with a warning; async posts never block callers.
func (s *Sink) PostAsync(ch Channel, msg Message) {
	q, ok := s.queues[ch]
	if !ok {
		return
	}
	select {
	case q <- queued{channel: ch, msg: msg}:
	default:
		s.logger.Warn("Webhook queue full, dropping message", "channel", ch)
	}
}

func (s *Sink) deliverLoop(ch Channel) {
	defer s.wg.Done()
	q := s.queues[ch]
	lim := s.limiters[ch]
	url := s.cfg.URLs[ch]

	for {
		select {
		case <-s.stopCh:
			return
		case item := <-q:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := lim.Wait(ctx); err != nil {
				cancel()
				return
			}
			if err := s.post(ctx, url, item.msg); err != nil {
				s.logger.Warn("Webhook delivery failed", "channel", ch, "error", err)
			}
			cancel()
		}
	}
}

func (s *Sink) post(ctx context.Context, url string, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling webhook body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// NewEventMessage wraps a single event embed into a deliverable message.
func NewEventMessage(title string, color int, fields []EmbedField) Message {
	return Message{Embeds: []Embed{NewEventEmbed(title, color, fields)}}
}

// NewEventEmbed builds the standard embed shape used across the runtime.
func NewEventEmbed(title string, color int, fields []EmbedField) Embed {
	return Embed{
		Title:     title,
		Color:     color,
		Fields:    fields,
		Footer:    &EmbedFooter{Text: "helixd"},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
