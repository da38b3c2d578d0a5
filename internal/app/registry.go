package app

import (
	"context"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/parley-voice/parley/internal/config"
	"github.com/parley-voice/parley/internal/observe"
	"github.com/parley-voice/parley/pkg/provider/embeddings"
	embollama "github.com/parley-voice/parley/pkg/provider/embeddings/ollama"
	embopenai "github.com/parley-voice/parley/pkg/provider/embeddings/openai"
	"github.com/parley-voice/parley/pkg/provider/llm"
	"github.com/parley-voice/parley/pkg/provider/llm/anyllm"
	llmopenai "github.com/parley-voice/parley/pkg/provider/llm/openai"
	"github.com/parley-voice/parley/pkg/provider/realtime"
	rtgemini "github.com/parley-voice/parley/pkg/provider/realtime/gemini"
	rtopenai "github.com/parley-voice/parley/pkg/provider/realtime/openai"
)

// DefaultRegistry builds the provider registry with every built-in factory
// registered. metrics may be nil; when set, realtime providers report decode
// failures through it.
func DefaultRegistry(metrics *observe.Metrics) *config.Registry {
	reg := config.NewRegistry()

	reg.RegisterRealtime("gemini", func(entry config.ProviderEntry) (realtime.Provider, error) {
		opts := []rtgemini.Option{}
		if entry.Model != "" {
			opts = append(opts, rtgemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, rtgemini.WithBaseURL(entry.BaseURL))
		}
		if metrics != nil {
			opts = append(opts, rtgemini.WithDecodeFailureHook(func() {
				metrics.RecordDecodeFailure(context.Background(), "gemini")
			}))
		}
		return rtgemini.New(entry.APIKey, opts...)
	})

	reg.RegisterRealtime("openai", func(entry config.ProviderEntry) (realtime.Provider, error) {
		opts := []rtopenai.Option{}
		if entry.Model != "" {
			opts = append(opts, rtopenai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, rtopenai.WithBaseURL(entry.BaseURL))
		}
		if metrics != nil {
			opts = append(opts, rtopenai.WithDecodeFailureHook(func() {
				metrics.RecordDecodeFailure(context.Background(), "openai")
			}))
		}
		return rtopenai.New(entry.APIKey, opts...)
	})

	// Completion backends go through the any-llm universal adapter, so one
	// factory body serves them all. OpenAI is re-registered below with the
	// official SDK, which supports organization routing and request timeouts.
	for _, name := range config.ValidProviderNames["llm"] {
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(entry.Name, entry.Model, opts...)
		})
	}

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		opts := []llmopenai.Option{}
		if entry.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
		}
		return llmopenai.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		opts := []embopenai.Option{}
		if entry.BaseURL != "" {
			opts = append(opts, embopenai.WithBaseURL(entry.BaseURL))
		}
		return embopenai.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		opts := []embollama.Option{}
		if d, ok := entry.Options["dimensions"].(int); ok && d > 0 {
			opts = append(opts, embollama.WithDimensions(d))
		}
		return embollama.New(entry.BaseURL, entry.Model, opts...)
	})

	return reg
}
