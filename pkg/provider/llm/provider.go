// Package llm defines the Provider interface for the Large Language Model
// backends that generate study content.
//
// A provider wraps a remote or local model API (OpenAI, Anthropic, a local
// Ollama instance, ...) and exposes a single-shot completion call. The content
// generator builds one prompt per card and expects a JSON object back; no
// conversation state is kept between calls.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly.
package llm

import "context"

// Usage holds token accounting information returned by the LLM backend.
// Counts are in the model's native token unit and may differ between
// providers for the same textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// CompletionRequest carries everything the model needs for one generation.
// A zero-value request is invalid; at minimum Prompt must be non-empty.
type CompletionRequest struct {
	// Prompt is the full user-role prompt, already assembled from the deck's
	// template with card field values substituted.
	Prompt string

	// SystemPrompt is an optional high-priority instruction injected before
	// the prompt.
	SystemPrompt string

	// Temperature controls output randomness in [0.0, 2.0]. Zero means use
	// the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider
	// default.
	MaxTokens int

	// JSONOnly asks the model to respond with a single JSON object and
	// nothing else. Providers without a native JSON response mode should
	// enforce this through the system prompt; callers still tolerate
	// surrounding prose when parsing.
	JSONOnly bool
}

// CompletionResponse is the model's reply to a CompletionRequest.
type CompletionResponse struct {
	// Content is the full text of the reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or ctx is cancelled before the
	// completion arrives. Transport and model errors are indistinguishable
	// to callers and are treated as transient.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Name identifies the backing provider/model pair for logs and metrics
	// (e.g., "openai/gpt-4o").
	Name() string
}
