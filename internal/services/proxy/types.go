package proxy

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/omnigate/omnigate/internal/models"
)

var (
	ErrMaxTokensExceeded = errors.New("max_tokens exceeds plan limit")
	ErrInputTooLarge     = errors.New("estimated input exceeds plan limit")
	ErrStreamingDenied   = errors.New("plan does not include streaming")
)

// ChatMessage keeps content raw: it may be a string or a multimodal
// part array, and the gateway forwards it untouched either way.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ChatRequest is the subset of the completion body the gateway inspects.
// The full raw body is what actually goes upstream.
type ChatRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	Stream    bool          `json:"stream"`
	MaxTokens *int          `json:"max_tokens,omitempty"`
}

// ParseChatRequest decodes just enough of the body to route and admit.
func ParseChatRequest(body []byte) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("request body is not valid JSON: %w", err)
	}
	if req.Model == "" {
		return nil, errors.New("model is required")
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("messages must not be empty")
	}
	return &req, nil
}

// EstimateInputTokens approximates prompt size as content bytes over
// four. Admission control only needs the order of magnitude; exact
// counts come back from the provider in the usage block.
func (r *ChatRequest) EstimateInputTokens() int {
	total := 0
	for _, m := range r.Messages {
		total += len(m.Content)
	}
	return total / 4
}

// Validate runs the pre-dispatch checks against the caller's policy and
// the model's own limits. The effective max_tokens bound is the tighter
// of the two.
func (r *ChatRequest) Validate(policy *models.Policy, model *models.Model) error {
	maxOutput := policy.MaxOutputTokens
	if model != nil && model.MaxOutputTokens > 0 && model.MaxOutputTokens < maxOutput {
		maxOutput = model.MaxOutputTokens
	}
	if r.MaxTokens != nil && *r.MaxTokens > maxOutput {
		return ErrMaxTokensExceeded
	}
	if r.EstimateInputTokens() > policy.MaxInputTokens {
		return ErrInputTooLarge
	}
	if r.Stream && !policy.HasStreaming {
		return ErrStreamingDenied
	}
	return nil
}

// Usage is the token accounting block providers return.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Outcome is everything the pipeline needs to know about how a dispatch
// ended: terminal status, latency, output volume, and token usage.
type Outcome struct {
	Status     models.RequestStatus
	StatusCode int

	TTFBMs      *int64
	OutputBytes int64
	ChunkCount  int

	InputTokens  int
	OutputTokens int

	// Upstream error passthrough, when the provider answered non-2xx
	// before any bytes reached the client.
	UpstreamBody []byte
}
