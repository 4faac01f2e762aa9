// Package audit enforces the pre-execution discipline: every consequential
// action is recorded to the hash chain and announced on a webhook channel
// BEFORE it runs. If either write fails, the action must not run.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/helix-runtime/helixd/pkg/chain"
	"github.com/helix-runtime/helixd/pkg/faults"
	"github.com/helix-runtime/helixd/pkg/webhook"
)

// EventKind classifies chain events.
type EventKind string

const (
	EventOpPreExec      EventKind = "op.pre_exec"
	EventOpPostExec     EventKind = "op.post_exec"
	EventConfigChange   EventKind = "config.change"
	EventConfigRefused  EventKind = "config.refused"
	EventSkillInstall   EventKind = "skill.install"
	EventSkillRejected  EventKind = "skill.rejected"
	EventRoleChange     EventKind = "role.change"
	EventEscalation     EventKind = "escalation.blocked"
	EventUpdateApplied  EventKind = "update.applied"
	EventUpdateRejected EventKind = "update.rejected"
	EventSessionXfer    EventKind = "session.transfer"
	EventApproval       EventKind = "approval.decision"
	EventChainVerify    EventKind = "chain.verify"
	EventRuntimeStart   EventKind = "runtime.start"
	EventRuntimeStop    EventKind = "runtime.stop"
)

// Event is the payload appended to the chain for one audited action.
type Event struct {
	Kind   EventKind      `json:"kind"`
	Actor  string         `json:"actor,omitempty"`
	OpID   string         `json:"op_id,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Recorder couples the chain store with the webhook sink. Components hold a
// *Recorder and call PreExec before acting and PostExec after.
type Recorder struct {
	chain  *chain.Store
	sink   *webhook.Sink
	logger *slog.Logger
}

// NewRecorder creates a recorder. sink may be nil in tests; the webhook leg
// then succeeds unconditionally.
func NewRecorder(chainStore *chain.Store, sink *webhook.Sink) *Recorder {
	return &Recorder{
		chain:  chainStore,
		sink:   sink,
		logger: slog.Default().With("component", "audit"),
	}
}

// Chain exposes the underlying store for verification endpoints.
func (r *Recorder) Chain() *chain.Store { return r.chain }

// PreExec durably records ev and synchronously posts it to the given webhook
// channel. A failure on either leg returns precondition_unavailable and the
// caller must not proceed with the guarded action.
func (r *Recorder) PreExec(ctx context.Context, ch webhook.Channel, ev Event) (uint64, error) {
	seq, err := r.chain.Append(ev)
	if err != nil {
		return 0, faults.Wrap(faults.KindPreconditionUnavailable, err, "chain append for %s", ev.Kind)
	}
	if r.sink != nil {
		if err := r.sink.PostSync(ctx, ch, eventMessage(ev, seq)); err != nil {
			return 0, err
		}
	}
	return seq, nil
}

// PostExec records an after-the-fact event. The chain append still matters
// for the audit trail, but failures here only log; the action already ran.
func (r *Recorder) PostExec(ch webhook.Channel, ev Event) {
	seq, err := r.chain.Append(ev)
	if err != nil {
		r.logger.Error("Post-execution chain append failed", "kind", ev.Kind, "error", err)
		return
	}
	if r.sink != nil {
		r.sink.PostAsync(ch, eventMessage(ev, seq))
	}
}

func eventMessage(ev Event, seq uint64) webhook.Message {
	fields := []webhook.EmbedField{
		{Name: "seq", Value: fmt.Sprintf("%d", seq), Inline: true},
	}
	if ev.Actor != "" {
		fields = append(fields, webhook.EmbedField{Name: "actor", Value: ev.Actor, Inline: true})
	}
	if ev.OpID != "" {
		fields = append(fields, webhook.EmbedField{Name: "op_id", Value: ev.OpID, Inline: true})
	}
	for k, v := range ev.Detail {
		fields = append(fields, webhook.EmbedField{Name: k, Value: fmt.Sprintf("%v", v)})
	}
	return webhook.Message{Embeds: []webhook.Embed{
		webhook.NewEventEmbed(string(ev.Kind), colorFor(ev.Kind), fields),
	}}
}

func colorFor(kind EventKind) int {
	switch kind {
	case EventOpPreExec, EventOpPostExec:
		return webhook.ColorBlurple
	case EventConfigChange, EventUpdateApplied, EventApproval:
		return webhook.ColorGreen
	case EventConfigRefused, EventSkillRejected, EventUpdateRejected:
		return webhook.ColorYellow
	case EventEscalation:
		return webhook.ColorRed
	case EventSessionXfer:
		return webhook.ColorPink
	case EventChainVerify, EventRuntimeStart, EventRuntimeStop:
		return webhook.ColorPurple
	}
	return webhook.ColorBlurple
}

// Timestamped returns a detail map with a ts key added, for call sites that
// want the event time inside the payload as well as on the entry.
func Timestamped(detail map[string]any) map[string]any {
	if detail == nil {
		detail = map[string]any{}
	}
	detail["ts"] = time.Now().UTC().Format(time.RFC3339)
	return detail
}
