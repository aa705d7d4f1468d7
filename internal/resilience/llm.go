package resilience

import (
	"context"
	"strings"

	"github.com/MrWong99/gakuon/pkg/provider/llm"
)

// LLMFailover implements [llm.Provider] with automatic failover across
// multiple LLM backends. Each backend has its own circuit breaker; when the
// primary fails or its breaker is open, the next healthy fallback is tried.
// One card's content then simply comes from a different model instead of
// failing the generation attempt.
type LLMFailover struct {
	group *Group[llm.Provider]
}

var _ llm.Provider = (*LLMFailover)(nil)

// NewLLMFailover creates an [LLMFailover] with primary as the preferred
// backend.
func NewLLMFailover(primary llm.Provider, primaryName string, cfg GroupConfig) *LLMFailover {
	return &LLMFailover{
		group: NewGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFailover) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete sends the request to the first healthy backend and returns its
// response. If the primary fails, subsequent fallbacks are tried.
func (f *LLMFailover) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Name identifies the failover chain in try order, e.g. "openai>ollama".
func (f *LLMFailover) Name() string {
	return strings.Join(f.group.Names(), ">")
}
