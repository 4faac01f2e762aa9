// Package approval implements the human approval gate for high-impact
// operations. Requests queue FIFO per user; the first decision wins and
// timeouts auto-decide expired.
package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helix-runtime/helixd/pkg/audit"
	"github.com/helix-runtime/helixd/pkg/faults"
	"github.com/helix-runtime/helixd/pkg/models"
	"github.com/helix-runtime/helixd/pkg/webhook"
)

// Decision is the terminal outcome delivered to the waiting operation.
type Decision struct {
	Status  models.ApprovalStatus
	Decider string
	Reason  string
}

// DeciderPolicy selects and notifies the identities allowed to decide a
// request. The selection policy is injected; the default posts to the alerts
// webhook channel and leaves routing to the operator.
type DeciderPolicy interface {
	Notify(req models.ApprovalRequest)
}

type pending struct {
	req   models.ApprovalRequest
	ch    chan Decision
	timer *time.Timer
}

// Gate is a process singleton with explicit lifecycle via its timers; Stop
// expires nothing, it only prevents new requests from being accepted.
type Gate struct {
	mu       sync.Mutex
	pending  map[string]*pending
	byUser   map[string][]string // FIFO req ids per user
	timeout  time.Duration
	recorder *audit.Recorder
	policy   DeciderPolicy
	logger   *slog.Logger
	closed   bool
}

// NewGate creates a gate. policy may be nil (no out-of-band notification).
func NewGate(timeout time.Duration, recorder *audit.Recorder, policy DeciderPolicy) *Gate {
	return &Gate{
		pending:  make(map[string]*pending),
		byUser:   make(map[string][]string),
		timeout:  timeout,
		recorder: recorder,
		policy:   policy,
		logger:   slog.Default().With("component", "approval"),
	}
}

// Request enqueues an approval request and returns a channel that delivers
// exactly one Decision. The enqueue itself is chain-logged before the
// operation suspends.
func (g *Gate) Request(ctx context.Context, opID, userID, summary string, costUSD float64) (<-chan Decision, string, error) {
	req := models.ApprovalRequest{
		ReqID:       uuid.NewString(),
		OpID:        opID,
		UserID:      userID,
		Summary:     summary,
		CostUSD:     costUSD,
		RequestedTS: time.Now().UTC(),
		Status:      models.ApprovalPending,
	}

	if g.recorder != nil {
		_, err := g.recorder.PreExec(ctx, webhook.ChannelAlerts, audit.Event{
			Kind:  "approval_requested",
			Actor: userID,
			OpID:  opID,
			Detail: map[string]any{
				"req_id":   req.ReqID,
				"summary":  summary,
				"cost_usd": costUSD,
			},
		})
		if err != nil {
			return nil, "", err
		}
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, "", faults.New(faults.KindFatal, "approval gate stopped")
	}
	p := &pending{req: req, ch: make(chan Decision, 1)}
	p.timer = time.AfterFunc(g.timeout, func() { g.expire(req.ReqID) })
	g.pending[req.ReqID] = p
	g.byUser[userID] = append(g.byUser[userID], req.ReqID)
	g.mu.Unlock()

	if g.policy != nil {
		g.policy.Notify(req)
	}
	return p.ch, req.ReqID, nil
}

// Decide resolves a pending request. Only identities with role >= approver
// may decide; the first decision wins and later ones are ignored.
func (g *Gate) Decide(reqID, actor string, actorRole models.Role, approve bool, reason string) (models.ApprovalStatus, error) {
	if !actorRole.AtLeast(models.RoleApprover) {
		return "", faults.New(faults.KindEscalationBlocked,
			"role %s cannot decide approvals", actorRole)
	}

	status := models.ApprovalDenied
	if approve {
		status = models.ApprovalApproved
	}

	g.mu.Lock()
	p, ok := g.pending[reqID]
	if !ok {
		g.mu.Unlock()
		return "", faults.New(faults.KindFatal, "unknown approval request %s", reqID)
	}
	if p.req.Status.Terminal() {
		first := p.req.Status
		g.mu.Unlock()
		return first, nil
	}
	now := time.Now().UTC()
	p.req.Status = status
	p.req.DecidedTS = &now
	p.req.Decider = actor
	p.req.Reason = reason
	p.timer.Stop()
	g.removeFromQueueLocked(p.req.UserID, reqID)
	g.mu.Unlock()

	// The chain entry precedes the wakeup so a resumed operation always finds
	// its decision on the chain.
	if g.recorder != nil {
		g.recorder.PostExec(webhook.ChannelAlerts, audit.Event{
			Kind:  audit.EventApproval,
			Actor: actor,
			OpID:  p.req.OpID,
			Detail: map[string]any{
				"req_id":   reqID,
				"decision": string(status),
				"reason":   reason,
			},
		})
	}
	p.ch <- Decision{Status: status, Decider: actor, Reason: reason}
	return status, nil
}

func (g *Gate) expire(reqID string) {
	g.mu.Lock()
	p, ok := g.pending[reqID]
	if !ok || p.req.Status.Terminal() {
		g.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	p.req.Status = models.ApprovalExpired
	p.req.DecidedTS = &now
	g.removeFromQueueLocked(p.req.UserID, reqID)
	g.mu.Unlock()

	if g.recorder != nil {
		g.recorder.PostExec(webhook.ChannelAlerts, audit.Event{
			Kind: audit.EventApproval,
			OpID: p.req.OpID,
			Detail: map[string]any{
				"req_id":   reqID,
				"decision": string(models.ApprovalExpired),
			},
		})
	}
	p.ch <- Decision{Status: models.ApprovalExpired}
	g.logger.Info("Approval request expired", "req_id", reqID, "op_id", p.req.OpID)
}

// Pending returns the user's queued requests in FIFO order.
func (g *Gate) Pending(userID string) []models.ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := g.byUser[userID]
	out := make([]models.ApprovalRequest, 0, len(ids))
	for _, id := range ids {
		if p, ok := g.pending[id]; ok && !p.req.Status.Terminal() {
			out = append(out, p.req)
		}
	}
	return out
}

// Get returns a request by id, decided or not.
func (g *Gate) Get(reqID string) (models.ApprovalRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[reqID]
	if !ok {
		return models.ApprovalRequest{}, false
	}
	return p.req, true
}

// Stop rejects new requests. In-flight requests keep their timers.
func (g *Gate) Stop() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

func (g *Gate) removeFromQueueLocked(userID, reqID string) {
	ids := g.byUser[userID]
	for i, id := range ids {
		if id == reqID {
			g.byUser[userID] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}
