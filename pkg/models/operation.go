package models

import (
	"time"
)

// OpKind classifies an AI operation for routing and cost estimation.
type OpKind string

// Operation kinds understood by the router.
const (
	OpChat            OpKind = "chat"
	OpMemorySynthesis OpKind = "memory-synthesis"
	OpSentiment       OpKind = "sentiment"
	OpAgentExec       OpKind = "agent-exec"
	OpVideoUnderstand OpKind = "video-understand"
	OpAudioTranscribe OpKind = "audio-transcribe"
	OpTTS             OpKind = "tts"
	OpEmailAnalyze    OpKind = "email-analyze"
)

// ValidOpKind reports whether k is a known operation kind.
func ValidOpKind(k OpKind) bool {
	switch k {
	case OpChat, OpMemorySynthesis, OpSentiment, OpAgentExec,
		OpVideoUnderstand, OpAudioTranscribe, OpTTS, OpEmailAnalyze:
		return true
	}
	return false
}

// Criticality is a per-request hint that forces approval gating regardless
// of estimated cost.
type Criticality string

const (
	CriticalityLow  Criticality = "low"
	CriticalityMed  Criticality = "med"
	CriticalityHigh Criticality = "high"
)

// OperationRequest describes one AI operation submitted to the router.
// Transient; its lifetime is a single router call.
type OperationRequest struct {
	OpID           string         `json:"op_id"`
	UserID         string         `json:"user_id"`
	OpKind         OpKind         `json:"op_kind"`
	Messages       []ChatMessage  `json:"messages,omitempty"`
	InputTokensEst int            `json:"input_tokens_est"`
	Criticality    Criticality    `json:"criticality"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ChatMessage is a single turn passed to a provider adapter.
type ChatMessage struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// RoutingDecision is the router's immutable choice of provider/model plus
// cost and approval flags for a specific operation.
type RoutingDecision struct {
	ModelID          string  `json:"model_id"`
	ProviderID       string  `json:"provider_id"`
	RequiresApproval bool    `json:"requires_approval"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	RationaleTag     string  `json:"rationale_tag"`
}

// OperationRecord is the persisted outcome of a completed or failed
// operation. Written exactly once per operation and linked from a chain entry.
type OperationRecord struct {
	OpID         string    `json:"op_id"`
	UserID       string    `json:"user_id"`
	OpKind       OpKind    `json:"op_kind"`
	ModelID      string    `json:"model_id"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMS    int64     `json:"latency_ms"`
	Success      bool      `json:"success"`
	Cancelled    bool      `json:"cancelled,omitempty"`
	QualityScore *float64  `json:"quality_score,omitempty"`
	Timestamp    time.Time `json:"ts"`
}

// ModelHealth is the registry's view of a model's availability.
type ModelHealth string

const (
	HealthUp       ModelHealth = "up"
	HealthDegraded ModelHealth = "degraded"
	HealthDown     ModelHealth = "down"
)

// ModelDescriptor is one row of the provider registry. Pricing is USD per
// 1000 tokens. Health is the only mutable field; everything else is static
// configuration.
type ModelDescriptor struct {
	ModelID        string      `json:"model_id" yaml:"model_id"`
	ProviderID     string      `json:"provider_id" yaml:"provider_id"`
	PriceInPer1K   float64     `json:"price_in_per_1k" yaml:"price_in_per_1k"`
	PriceOutPer1K  float64     `json:"price_out_per_1k" yaml:"price_out_per_1k"`
	ContextWindow  int         `json:"context_window" yaml:"context_window"`
	CapabilityTags []string    `json:"capability_tags" yaml:"capability_tags"`
	Health         ModelHealth `json:"health" yaml:"-"`
}

// HasCapability reports whether the descriptor carries the given tag.
func (d ModelDescriptor) HasCapability(tag string) bool {
	for _, t := range d.CapabilityTags {
		if t == tag {
			return true
		}
	}
	return false
}
