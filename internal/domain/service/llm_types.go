package service

import "context"

// LLMClient is the interface the LLM Gateway implements over each provider.
// It decouples the Orchestrator Core from specific provider wire formats.
type LLMClient interface {
	// Generate sends a request and returns the full response.
	Generate(ctx context.Context, req *LLMRequest) (*LLMResponse, error)

	// GenerateStream sends a request and streams back deltas on deltaCh.
	// The channel is closed when the stream ends; the caller must drain it.
	// The returned LLMResponse is the final accumulated result.
	GenerateStream(ctx context.Context, req *LLMRequest, deltaCh chan<- StreamChunk) (*LLMResponse, error)
}

// StreamChunk is a single delta from a streaming LLM response.
type StreamChunk struct {
	DeltaText    string
	FinishReason string // "stop", "length", "error", "" (not yet finished)
}

// LLMRequest is the request sent to a provider for one attempt.
type LLMRequest struct {
	Messages    []LLMMessage
	Model       string
	MaxTokens   int
	Temperature float64
}

// LLMMessage is a single turn in the prompt sent to the provider. It mirrors
// entity.Message's Role/Content pair, flattened for wire transport.
type LLMMessage struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// LLMResponse is a provider's full response to one Generate call.
type LLMResponse struct {
	Content      string
	ModelUsed    string
	TokensIn     int
	TokensOut    int
	FinishReason string
}
