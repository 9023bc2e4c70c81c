// Package model defines the provider-agnostic request/response shapes used
// by the Request Router and LLM Provider Adapters. Messages are flat
// (role, content) turns — the unit the spec's Conversation memory and
// router attempt algorithm operate on — rather than the richer multi-part
// transcripts a full agent framework would need.
package model

import "time"

// Role identifies the speaker for a single conversation turn.
type Role string

const (
	// RoleSystem is the role for system/instruction turns.
	RoleSystem Role = "system"
	// RoleUser is the role for end-user or agent-issued prompt turns.
	RoleUser Role = "user"
	// RoleAssistant is the role for model-generated reply turns.
	RoleAssistant Role = "assistant"
)

// WorkloadClass hints at how much model capability a request needs, guiding
// Key Manager tier selection (flash/small vs. pro/heavy).
type WorkloadClass string

const (
	// WorkloadLight is for small, cheap calls (classification, short edits).
	WorkloadLight WorkloadClass = "light"
	// WorkloadStandard is the default workload class.
	WorkloadStandard WorkloadClass = "standard"
	// WorkloadHeavy is for calls that benefit from the most capable model tier.
	WorkloadHeavy WorkloadClass = "heavy"
)

// Message is a single (role, content) conversation turn.
type Message struct {
	Role    Role
	Content string
}

// TokenUsage reports token accounting for a single model invocation.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Request captures the inputs to a single logical model invocation, after
// the Router has resolved conversation history and key selection.
type Request struct {
	Model             string
	ModelClass        WorkloadClass
	Messages          []Message
	SystemPrompt      string
	Temperature       float32
	MaxOutputTokens   int
	EstimatedPromptTokens     int
	EstimatedCompletionTokens int
}

// Response is the result of a successful model invocation.
type Response struct {
	Content    string
	Model      string
	StopReason string
	Usage      TokenUsage
}

// Conversation is a keyed, bounded history of turns plus timestamps used to
// enforce the router's idle-expiry policy.
type Conversation struct {
	ID         string
	Turns      []Message
	CreatedAt  time.Time
	LastTouch  time.Time
}
