package providers

import "context"

// Message is a provider-agnostic role-tagged content entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest describes one blocking model round-trip.
type CompletionRequest struct {
	System         string
	Messages       []Message
	MaxTokens      int
	ThinkingBudget int
}

// UsageInfo reports token consumption for a completed call.
type UsageInfo struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// LLMResponse carries the visible reply, optional reasoning text, and usage.
type LLMResponse struct {
	Text     string
	Thinking string
	Usage    UsageInfo
}

// Completer is the language-model contract the core depends on. A failed
// call or empty Text is treated by callers as "no usable text".
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*LLMResponse, error)
}
