// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify the prompts the content generator
// sends and to feed controlled responses without a live LLM backend.
//
// Example:
//
//	p := &mock.Provider{
//	    Responses: []string{`{"sentence": "猫が寝ている。"}`},
//	}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/gakuon/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
// Zero values cause methods to return empty responses and nil errors.
type Provider struct {
	mu sync.Mutex

	// Responses is the sequence of reply contents returned by successive
	// Complete calls. The last entry repeats once the sequence is exhausted.
	Responses []string

	// Err, if non-nil, is returned by every Complete call instead of a
	// response. Errs, if set, takes precedence and is consumed per call
	// (a nil entry means that call succeeds).
	Err  error
	Errs []error

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Calls records every invocation of Complete in order.
	Calls []CompleteCall
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.Calls)
	p.Calls = append(p.Calls, CompleteCall{Ctx: ctx, Req: req})

	if n < len(p.Errs) {
		if err := p.Errs[n]; err != nil {
			return nil, err
		}
	} else if p.Err != nil {
		return nil, p.Err
	}

	content := ""
	if len(p.Responses) > 0 {
		if n >= len(p.Responses) {
			n = len(p.Responses) - 1
		}
		content = p.Responses[n]
	}
	return &llm.CompletionResponse{Content: content}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string {
	if p.ProviderName != "" {
		return p.ProviderName
	}
	return "mock"
}

// CallCount returns the number of Complete invocations so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
