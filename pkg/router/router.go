// Package router routes AI operations to providers. The pipeline order is
// fixed: rate limit, budget, approval, pre-execution log, invoke, record.
// The pre-execution entry is the last thing before the adapter call so the
// chain always says "we are about to do X" for every attempt.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/helix-runtime/helixd/pkg/adapter"
	"github.com/helix-runtime/helixd/pkg/approval"
	"github.com/helix-runtime/helixd/pkg/audit"
	"github.com/helix-runtime/helixd/pkg/costs"
	"github.com/helix-runtime/helixd/pkg/faults"
	"github.com/helix-runtime/helixd/pkg/models"
	"github.com/helix-runtime/helixd/pkg/ratelimit"
	"github.com/helix-runtime/helixd/pkg/registry"
	"github.com/helix-runtime/helixd/pkg/webhook"
)

// safetyMargin pads the expected output allowance and the context-window
// reserve. Cost estimates stay unpadded.
const safetyMargin = 1.2

// Outcome is a successful routing result.
type Outcome struct {
	Text     string                 `json:"text"`
	Record   models.OperationRecord `json:"record"`
	Decision models.RoutingDecision `json:"decision"`
}

// OperationStore persists finished operation records. Implemented by
// pkg/store; optional.
type OperationStore interface {
	SaveOperation(ctx context.Context, rec models.OperationRecord) error
}

// Options tune routing behavior.
type Options struct {
	ApprovalThresholdUSD float64
	// RetryCountsAgainstLimit makes the model_unavailable retry consume a
	// rate-limit slot. Default off.
	RetryCountsAgainstLimit bool
}

// Router is request-scoped in operation: Execute may suspend on approval but
// holds no locks while doing so.
type Router struct {
	registry *registry.Registry
	adapters map[string]adapter.Adapter // provider id -> adapter
	tracker  *costs.Tracker
	gate     *approval.Gate
	limiter  *ratelimit.Limiter
	recorder *audit.Recorder
	store    OperationStore
	opts     Options
	logger   *slog.Logger
}

// New wires the router. store may be nil.
func New(
	reg *registry.Registry,
	adapters map[string]adapter.Adapter,
	tracker *costs.Tracker,
	gate *approval.Gate,
	limiter *ratelimit.Limiter,
	recorder *audit.Recorder,
	store OperationStore,
	opts Options,
) *Router {
	return &Router{
		registry: reg,
		adapters: adapters,
		tracker:  tracker,
		gate:     gate,
		limiter:  limiter,
		recorder: recorder,
		store:    store,
		opts:     opts,
		logger:   slog.Default().With("component", "router"),
	}
}

// Execute runs one operation end to end and returns its text plus record.
func (r *Router) Execute(ctx context.Context, req models.OperationRequest) (*Outcome, error) {
	return r.execute(ctx, req, nil)
}

// ExecuteStream runs one operation through the same gating pipeline but
// delivers output deltas through emit as the provider produces them. The
// returned Outcome carries the complete text and final usage.
func (r *Router) ExecuteStream(ctx context.Context, req models.OperationRequest, emit func(delta string)) (*Outcome, error) {
	return r.execute(ctx, req, emit)
}

func (r *Router) execute(ctx context.Context, req models.OperationRequest, emit func(string)) (*Outcome, error) {
	if !models.ValidOpKind(req.OpKind) {
		return nil, faults.New(faults.KindFatal, "unknown op_kind %q", req.OpKind)
	}
	if req.OpID == "" {
		req.OpID = uuid.NewString()
	}

	// 1-2. Candidate selection: capability match, healthy, context fits.
	inputEst := EstimatedInputTokens(req)
	expectedOut := expectedOutputTokens(req)
	reserve := int(float64(expectedOut) * safetyMargin)
	candidates := r.registry.Candidates(string(req.OpKind))
	picked := -1
	for i, d := range candidates {
		if d.ContextWindow >= inputEst+reserve {
			picked = i
			break
		}
	}
	if picked < 0 {
		return nil, faults.New(faults.KindModelUnavailable,
			"no healthy model serves %s with %d input tokens", req.OpKind, inputEst)
	}
	desc := candidates[picked]

	// 3. Cost estimate.
	est := costs.Estimate(desc, inputEst, expectedOut)

	// 4. Rate limit: cheap fast-fail before any spend math is recorded.
	if err := r.limiter.Attempt(req.UserID); err != nil {
		return nil, err
	}

	// 5. Budget.
	if err := r.tracker.CheckBudget(req.UserID, est); err != nil {
		r.recorder.PostExec(webhook.ChannelAPI, audit.Event{
			Kind:  "denied",
			Actor: req.UserID,
			OpID:  req.OpID,
			Detail: map[string]any{
				"reason":   "budget",
				"est_cost": est,
				"model_id": desc.ModelID,
			},
		})
		return nil, err
	}

	// 6. Approval for high criticality or above-threshold cost.
	if req.Criticality == models.CriticalityHigh || est > r.approvalThreshold(req.UserID) {
		if err := r.awaitApproval(ctx, req, est); err != nil {
			return nil, err
		}
	}

	decision := models.RoutingDecision{
		ModelID:          desc.ModelID,
		ProviderID:       desc.ProviderID,
		EstimatedCostUSD: est,
		RationaleTag:     "cheapest-healthy",
	}

	// 7-9. Pre-log, invoke, record; one retry on the next-cheapest alternate.
	outcome, err := r.invokeWithRetry(ctx, req, desc, candidates[picked+1:], reserve, est, decision, emit)
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (r *Router) approvalThreshold(userID string) float64 {
	return r.tracker.ApprovalThreshold(userID, r.opts.ApprovalThresholdUSD)
}

func (r *Router) awaitApproval(ctx context.Context, req models.OperationRequest, est float64) error {
	summary := fmt.Sprintf("%s op for %s, est %.5f USD", req.OpKind, req.UserID, est)
	ch, reqID, err := r.gate.Request(ctx, req.OpID, req.UserID, summary, est)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return faults.Wrap(faults.KindApprovalTimeout, ctx.Err(), "context ended awaiting approval %s", reqID)
	case d := <-ch:
		switch d.Status {
		case models.ApprovalApproved:
			return nil
		case models.ApprovalDenied:
			return faults.New(faults.KindApprovalDenied, "denied by %s: %s", d.Decider, d.Reason)
		default:
			return faults.New(faults.KindApprovalTimeout, "approval %s expired", reqID)
		}
	}
}

// invokeWithRetry performs steps 7 through 9. Both the first attempt and the
// retry produce their own pre-execution entries.
func (r *Router) invokeWithRetry(
	ctx context.Context,
	req models.OperationRequest,
	desc models.ModelDescriptor,
	alternates []models.ModelDescriptor,
	reserve int,
	est float64,
	decision models.RoutingDecision,
	emit func(string),
) (*Outcome, error) {
	// A retry after partial streamed output would duplicate text at the
	// client, so failover is only allowed before the first delta.
	var emitted int
	counted := emit
	if emit != nil {
		counted = func(delta string) {
			emitted++
			emit(delta)
		}
	}

	outcome, firstErr := r.attempt(ctx, req, desc, reserve, est, "api_request", counted)
	if firstErr == nil {
		outcome.Decision = decision
		return outcome, nil
	}
	if !faults.Retryable(firstErr) || len(alternates) == 0 || emitted > 0 {
		return nil, firstErr
	}

	alt := alternates[0]
	if alt.ContextWindow < EstimatedInputTokens(req)+reserve {
		return nil, firstErr
	}
	if r.opts.RetryCountsAgainstLimit {
		if err := r.limiter.Attempt(req.UserID); err != nil {
			return nil, err
		}
	}
	r.logger.Info("Retrying on alternate model",
		"op_id", req.OpID, "failed_model", desc.ModelID, "alternate", alt.ModelID)

	outcome, retryErr := r.attempt(ctx, req, alt, reserve, est, "api_request_retry", counted)
	if retryErr != nil {
		return nil, retryErr
	}
	decision.ModelID = alt.ModelID
	decision.ProviderID = alt.ProviderID
	decision.RationaleTag = "retry-next-cheapest"
	outcome.Decision = decision
	return outcome, nil
}

// attempt pre-logs and invokes a single model.
func (r *Router) attempt(
	ctx context.Context,
	req models.OperationRequest,
	desc models.ModelDescriptor,
	reserve int,
	est float64,
	entryKind string,
	emit func(string),
) (*Outcome, error) {
	ad, ok := r.adapters[desc.ProviderID]
	if !ok {
		return nil, faults.New(faults.KindModelUnavailable, "no adapter for provider %s", desc.ProviderID)
	}

	// Pre-execution log, last before invocation.
	_, err := r.recorder.PreExec(ctx, webhook.ChannelAPI, audit.Event{
		Kind:  audit.EventKind(entryKind),
		Actor: req.UserID,
		OpID:  req.OpID,
		Detail: map[string]any{
			"op_kind":  string(req.OpKind),
			"model_id": desc.ModelID,
			"est_cost": est,
		},
	})
	if err != nil {
		return nil, err
	}

	timeout := invokeTimeout(req.OpKind)
	if emit != nil {
		timeout = streamInvokeTimeout
	}
	// Once the pre-execution entry exists the action runs to completion;
	// caller cancellation is noted on the record instead of aborting.
	invokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	start := time.Now()
	res, err := invokeThroughBreaker(r.registry, desc, func() (*adapter.Result, error) {
		if emit == nil {
			return ad.Invoke(invokeCtx, desc.ModelID, req.Messages, reserve)
		}
		if st, ok := ad.(adapter.Streamer); ok {
			return st.InvokeStream(invokeCtx, desc.ModelID, req.Messages, reserve, emit)
		}
		// Provider cannot stream; deliver the whole text as one delta.
		r2, invErr := ad.Invoke(invokeCtx, desc.ModelID, req.Messages, reserve)
		if invErr == nil && r2.Text != "" {
			emit(r2.Text)
		}
		return r2, invErr
	})
	latency := time.Since(start)
	if err != nil {
		// Every adapter failure degrades the attempted model, whether or not
		// an alternate exists to retry on.
		r.registry.SetHealth(desc.ModelID, models.HealthDegraded)
		r.recorder.PostExec(webhook.ChannelAPI, audit.Event{
			Kind:  "api_failure",
			Actor: req.UserID,
			OpID:  req.OpID,
			Detail: map[string]any{
				"model_id": desc.ModelID,
				"error":    err.Error(),
			},
		})
		return nil, err
	}

	actual := costs.Estimate(desc, res.InputTokens, 0) +
		float64(res.OutputTokens)/1000.0*desc.PriceOutPer1K
	rec := models.OperationRecord{
		OpID:         req.OpID,
		UserID:       req.UserID,
		OpKind:       req.OpKind,
		ModelID:      desc.ModelID,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		CostUSD:      actual,
		LatencyMS:    max(latency.Milliseconds(), 1),
		Success:      true,
		Cancelled:    ctx.Err() != nil,
		Timestamp:    time.Now().UTC(),
	}
	r.tracker.Record(rec)
	if r.store != nil {
		if err := r.store.SaveOperation(context.WithoutCancel(ctx), rec); err != nil {
			r.logger.Error("Operation record persist failed", "op_id", req.OpID, "error", err)
		}
	}
	r.recorder.PostExec(webhook.ChannelAPI, audit.Event{
		Kind:  audit.EventOpPostExec,
		Actor: req.UserID,
		OpID:  req.OpID,
		Detail: map[string]any{
			"model_id":   desc.ModelID,
			"cost_usd":   actual,
			"latency_ms": rec.LatencyMS,
		},
	})
	return &Outcome{Text: res.Text, Record: rec}, nil
}

// invokeThroughBreaker routes the call through the provider's circuit
// breaker so consecutive failures open it and flip provider health.
func invokeThroughBreaker(reg *registry.Registry, desc models.ModelDescriptor, fn func() (*adapter.Result, error)) (*adapter.Result, error) {
	cb := reg.Breaker(desc.ProviderID)
	if cb == nil {
		return fn()
	}
	out, err := cb.Execute(func() (any, error) { return fn() })
	if err != nil {
		if faults.KindOf(err) == faults.KindFatal {
			// Breaker-originated errors (open state) mean the provider is
			// unavailable, not that the request was malformed.
			return nil, faults.Wrap(faults.KindModelUnavailable, err, "provider %s circuit open", desc.ProviderID)
		}
		return nil, err
	}
	res, _ := out.(*adapter.Result)
	return res, nil
}

// expectedOutputTokens implements the per-op-kind estimation table.
func expectedOutputTokens(req models.OperationRequest) int {
	switch req.OpKind {
	case models.OpChat:
		return 400
	case models.OpMemorySynthesis:
		return 800
	case models.OpSentiment:
		return 64
	case models.OpAgentExec:
		return 1024
	case models.OpVideoUnderstand:
		return 500
	case models.OpAudioTranscribe:
		// ~150 output tokens per minute of audio.
		return int(metaFloat(req, "duration_min", 1) * 150)
	case models.OpTTS:
		// ~100 output tokens per minute of produced speech.
		return int(metaFloat(req, "duration_min", 1) * 100)
	case models.OpEmailAnalyze:
		return 500
	}
	return 400
}

// EstimatedInputTokens augments the caller-provided estimate with op-kind
// specific input weight (video frames, audio length, tts characters).
func EstimatedInputTokens(req models.OperationRequest) int {
	in := req.InputTokensEst
	switch req.OpKind {
	case models.OpVideoUnderstand:
		in += int(metaFloat(req, "frames", 0)) * 1000
	case models.OpAudioTranscribe:
		in += int(metaFloat(req, "duration_min", 0) * 100)
	case models.OpTTS:
		in += int(metaFloat(req, "chars", 0) / 4)
	}
	return in
}

func metaFloat(req models.OperationRequest, key string, fallback float64) float64 {
	if req.Metadata == nil {
		return fallback
	}
	switch v := req.Metadata[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}

// streamInvokeTimeout bounds streaming invocations regardless of op kind.
const streamInvokeTimeout = 120 * time.Second

func invokeTimeout(kind models.OpKind) time.Duration {
	switch kind {
	case models.OpAgentExec, models.OpVideoUnderstand, models.OpAudioTranscribe, models.OpTTS:
		return 120 * time.Second
	}
	return 30 * time.Second
}
