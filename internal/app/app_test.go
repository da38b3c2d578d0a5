package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/parley-voice/parley/internal/config"
	memmock "github.com/parley-voice/parley/pkg/memory/mock"
	embmock "github.com/parley-voice/parley/pkg/provider/embeddings/mock"
	llmmock "github.com/parley-voice/parley/pkg/provider/llm/mock"
	rtmock "github.com/parley-voice/parley/pkg/provider/realtime/mock"
)

func minimalConfig() *config.Config {
	return &config.Config{
		Realtime: config.ProviderEntry{Name: "gemini", APIKey: "key"},
		Personas: []config.PersonaConfig{
			{Name: "assistant", Persona: "A friendly assistant.", Mode: config.ModeConversation},
		},
	}
}

func knowledgeConfig() *config.Config {
	cfg := minimalConfig()
	cfg.Knowledge = config.KnowledgeConfig{
		Enabled:    true,
		LLM:        config.ProviderEntry{Name: "openai", APIKey: "sk", Model: "gpt-4o-mini"},
		Embeddings: config.ProviderEntry{Name: "openai", APIKey: "sk", Model: "text-embedding-3-small"},
	}
	cfg.Memory = config.MemoryConfig{PostgresDSN: "postgres://localhost/parley", EmbeddingDimensions: 4}
	return cfg
}

func TestNewWiresCallManager(t *testing.T) {
	a, err := New(context.Background(), minimalConfig(), WithRealtimeProvider(&rtmock.Provider{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.Calls() == nil {
		t.Fatal("Calls() = nil")
	}
	if a.extractor != nil {
		t.Error("extractor should be nil when knowledge is disabled")
	}
	if a.store != nil {
		t.Error("memory store should be nil when knowledge is disabled")
	}
}

func TestNewKnowledgeWiring(t *testing.T) {
	store := &memmock.Store{}
	a, err := New(context.Background(), knowledgeConfig(),
		WithRealtimeProvider(&rtmock.Provider{}),
		WithMemoryStore(store),
		WithLLM(&llmmock.Provider{}),
		WithEmbeddings(&embmock.Provider{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.extractor == nil {
		t.Fatal("extractor should be built when knowledge is enabled")
	}
	// SeedSubjects loads known fact subjects at startup.
	if got := store.CallCount("RecentFacts"); got != 1 {
		t.Errorf("RecentFacts calls = %d, want 1", got)
	}
}

func TestNewUnknownRealtimeProvider(t *testing.T) {
	cfg := minimalConfig()
	cfg.Realtime.Name = "nonexistent"
	_, err := New(context.Background(), cfg)
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("error = %v, want ErrProviderNotRegistered", err)
	}
}

func TestBuildMuxEndpoints(t *testing.T) {
	a, err := New(context.Background(), minimalConfig(), WithRealtimeProvider(&rtmock.Provider{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mux := a.buildMux()

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/metrics", http.StatusOK},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.want)
		}
	}
}

func TestApplyConfigSwapsPersonas(t *testing.T) {
	a, err := New(context.Background(), minimalConfig(), WithRealtimeProvider(&rtmock.Provider{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	next := minimalConfig()
	next.Personas = []config.PersonaConfig{
		{Name: "narrator", Persona: "Read text aloud.", Mode: config.ModeNarration},
	}
	a.ApplyConfig(next)

	if _, err := a.calls.findPersona("narrator"); err != nil {
		t.Errorf("new persona missing after reload: %v", err)
	}
	if _, err := a.calls.findPersona("assistant"); err == nil {
		t.Error("old persona should be gone after reload")
	}
}

func TestRunWithoutListenAddrWaitsForCancel(t *testing.T) {
	a, err := New(context.Background(), minimalConfig(), WithRealtimeProvider(&rtmock.Provider{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestShutdownRunsClosersOnce(t *testing.T) {
	a, err := New(context.Background(), minimalConfig(), WithRealtimeProvider(&rtmock.Provider{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	runs := 0
	a.closers = append(a.closers, func() error {
		runs++
		return nil
	})

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if runs != 1 {
		t.Errorf("closer ran %d times, want 1", runs)
	}
}
