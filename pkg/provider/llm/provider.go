// Package llm defines the Provider interface for Large Language Model
// backends driving the voice agent.
//
// An LLM provider wraps a remote or local model API (e.g. OpenAI, Anthropic,
// or a local Ollama instance) and exposes a uniform interface for streaming a
// reply to the current conversation history. Voice turns are latency-bound,
// so streaming is the primary mode; Complete exists for callers that want the
// whole reply at once.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import (
	"context"

	"github.com/polyvox-ai/polyvox/pkg/types"
)

// Usage holds token accounting returned by the backend. Counts are in the
// model's native token unit and may differ between providers for the same
// textual content.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
// Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically the user's transcribed turn.
	Messages []types.Message

	// Temperature controls output randomness in [0.0, 2.0]. Zero uses the
	// provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int

	// SystemPrompt is an optional instruction injected before the history.
	SystemPrompt string
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content. May be empty on the final chunk.
	Text string

	// FinishReason is set on the final chunk: "stop" (natural end), "length"
	// (MaxTokens reached), or "error" (stream failed; Text carries the
	// message).
	FinishReason string
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Capabilities describes what a provider's underlying model supports. Assumed
// constant for the lifetime of the Provider instance.
type Capabilities struct {
	ContextWindow     int
	MaxOutputTokens   int
	SupportsStreaming bool
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly: the voice turn machine cancels in-flight requests on
// barge-in, and a provider that lingers holds the next turn hostage.
type Provider interface {
	// StreamCompletion sends req to the model and returns a channel emitting
	// Chunk values as they arrive. The channel is closed when generation
	// finishes or ctx is cancelled. Errors after the stream opens surface as
	// a Chunk with FinishReason "error"; the error return is non-nil only for
	// failures that prevent the stream from starting. The returned channel is
	// never nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates how many tokens messages would consume in the
	// model's context window. Used to trim voice history before a request.
	// The result need not be exact but should not undercount.
	CountTokens(messages []types.Message) (int, error)

	// Capabilities returns static metadata about the underlying model.
	Capabilities() Capabilities
}
