package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/parley-voice/parley/pkg/provider/llm"
	llmmock "github.com/parley-voice/parley/pkg/provider/llm/mock"
)

func TestLLMFallback_Complete_PrimarySuccess(t *testing.T) {
	primary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "hello from primary"},
		NameValue:        "primary",
	}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "hello from secondary"},
		NameValue:        "secondary",
	}

	fb := NewLLMFallback(primary, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback(secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello from primary" {
		t.Fatalf("content = %q, want 'hello from primary'", resp.Content)
	}
	if primary.CallCount() != 1 {
		t.Fatalf("primary called %d times, want 1", primary.CallCount())
	}
	if secondary.CallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.CallCount())
	}
}

func TestLLMFallback_Complete_Failover(t *testing.T) {
	primary := &llmmock.Provider{
		CompleteErr: errors.New("primary down"),
		NameValue:   "primary",
	}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "hello from secondary"},
		NameValue:        "secondary",
	}

	fb := NewLLMFallback(primary, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback(secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello from secondary" {
		t.Fatalf("content = %q, want 'hello from secondary'", resp.Content)
	}
}

func TestLLMFallback_Complete_AllFail(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down"), NameValue: "primary"}
	secondary := &llmmock.Provider{CompleteErr: errors.New("secondary down"), NameValue: "secondary"}

	fb := NewLLMFallback(primary, FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback(secondary)

	_, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestLLMFallback_Name(t *testing.T) {
	primary := &llmmock.Provider{NameValue: "anyllm/openai/gpt-4o-mini"}
	secondary := &llmmock.Provider{NameValue: "anyllm/ollama/llama3"}

	fb := NewLLMFallback(primary, FallbackConfig{})
	fb.AddFallback(secondary)

	want := "fallback(anyllm/openai/gpt-4o-mini,anyllm/ollama/llama3)"
	if got := fb.Name(); got != want {
		t.Fatalf("Name() = %q, want %q", got, want)
	}
}
