// Package telemetry emits the liveness heartbeat and batches anonymized
// usage events for upload. Both are fully disabled by the telemetry flag.
package telemetry

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/helix-runtime/helixd/pkg/webhook"
)

// Beat is one heartbeat sample.
type Beat struct {
	Seq      uint64        `json:"seq"`
	Uptime   time.Duration `json:"uptime"`
	MemUsedP float64       `json:"mem_used_percent"`
	Load1    float64       `json:"load1"`
	PID      int           `json:"pid"`
}

// Heartbeat posts a periodic liveness sample to the alerts channel.
type Heartbeat struct {
	sink     *webhook.Sink
	interval time.Duration
	started  time.Time
	seq      atomic.Uint64
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHeartbeat creates a heartbeat poster. sink may be nil (samples are then
// only logged).
func NewHeartbeat(sink *webhook.Sink, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Heartbeat{
		sink:     sink,
		interval: interval,
		started:  time.Now(),
		logger:   slog.Default().With("component", "heartbeat"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the heartbeat loop and emits an immediate first beat.
func (h *Heartbeat) Start() {
	h.emit()
	h.wg.Add(1)
	go h.loop()
}

// Stop halts the loop.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}

func (h *Heartbeat) loop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.emit()
		}
	}
}

// Sample collects the current beat without posting it.
func (h *Heartbeat) Sample() Beat {
	b := Beat{
		Seq:    h.seq.Add(1),
		Uptime: time.Since(h.started).Round(time.Second),
		PID:    os.Getpid(),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		b.MemUsedP = vm.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		b.Load1 = avg.Load1
	}
	return b
}

func (h *Heartbeat) emit() {
	b := h.Sample()
	h.logger.Debug("Heartbeat", "seq", b.Seq, "uptime", b.Uptime, "mem_used_percent", b.MemUsedP, "load1", b.Load1)
	if h.sink == nil {
		return
	}
	h.sink.PostAsync(webhook.ChannelAlerts, webhook.NewEventMessage(
		"Heartbeat", webhook.ColorGreen, []webhook.EmbedField{
			{Name: "seq", Value: fmt.Sprintf("%d", b.Seq), Inline: true},
			{Name: "uptime", Value: b.Uptime.String(), Inline: true},
			{Name: "mem", Value: fmt.Sprintf("%.1f%%", b.MemUsedP), Inline: true},
			{Name: "load", Value: fmt.Sprintf("%.2f", b.Load1), Inline: true},
			{Name: "pid", Value: fmt.Sprintf("%d", b.PID), Inline: true},
		}))
}
