package resilience

import (
	"context"
	"strings"

	"github.com/parley-voice/parley/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with automatic failover across
// multiple LLM backends. Each backend has its own circuit breaker; when the
// primary fails or its breaker is open, the next healthy fallback is tried.
//
// Used by the knowledge extractor so that fact extraction keeps working when
// the preferred completion backend is down.
type LLMFallback struct {
	chain *FallbackChain[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred
// backend. The primary's Name() labels its circuit breaker.
func NewLLMFallback(primary llm.Provider, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		chain: NewFallbackChain(primary, primary.Name(), cfg),
	}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(provider llm.Provider) {
	f.chain.AddFallback(provider.Name(), provider)
}

// Complete sends the request to the first healthy provider and returns its
// response. If the primary fails, subsequent fallbacks are tried.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Try(ctx, f.chain, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Name returns a label listing every backend in failover order.
func (f *LLMFallback) Name() string {
	names := make([]string, len(f.chain.entries))
	for i, e := range f.chain.entries {
		names[i] = e.name
	}
	return "fallback(" + strings.Join(names, ",") + ")"
}
