package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"realtime":   {"gemini", "openai"},
	"llm":        {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Realtime provider
	if cfg.Realtime.Name == "" {
		errs = append(errs, errors.New("realtime.name is required"))
	} else {
		validateProviderName("realtime", cfg.Realtime.Name)
	}
	if cfg.Realtime.APIKey == "" {
		errs = append(errs, errors.New("realtime.api_key is required"))
	}

	// Personas
	namesSeen := make(map[string]int, len(cfg.Personas))
	for i, p := range cfg.Personas {
		prefix := fmt.Sprintf("personas[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[p.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of personas[%d]", prefix, p.Name, prev))
			}
			namesSeen[p.Name] = i
		}
		if p.Mode != "" && !p.Mode.IsValid() {
			errs = append(errs, fmt.Errorf("%s.mode %q is invalid; valid values: conversation, narration", prefix, p.Mode))
		}
	}

	// Recording
	if cfg.Recording.Enabled && cfg.Recording.Dir == "" {
		errs = append(errs, errors.New("recording.dir is required when recording.enabled"))
	}

	// Knowledge
	if cfg.Knowledge.Enabled {
		if cfg.Knowledge.LLM.Name == "" {
			errs = append(errs, errors.New("knowledge.llm.name is required when knowledge.enabled"))
		} else {
			validateProviderName("llm", cfg.Knowledge.LLM.Name)
		}
		if cfg.Knowledge.Embeddings.Name == "" {
			errs = append(errs, errors.New("knowledge.embeddings.name is required when knowledge.enabled"))
		} else {
			validateProviderName("embeddings", cfg.Knowledge.Embeddings.Name)
		}
		for i, fb := range cfg.Knowledge.Fallbacks {
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("knowledge.fallbacks[%d].name is required", i))
			} else {
				validateProviderName("llm", fb.Name)
			}
		}
		if cfg.Memory.PostgresDSN == "" {
			errs = append(errs, errors.New("memory.postgres_dsn is required when knowledge.enabled"))
		}
		if cfg.Knowledge.MinConfidence < 0 || cfg.Knowledge.MinConfidence > 1 {
			errs = append(errs, fmt.Errorf("knowledge.min_confidence %.2f is out of range [0, 1]", cfg.Knowledge.MinConfidence))
		}
	}

	// Memory dimensions
	if cfg.Memory.PostgresDSN != "" && cfg.Memory.EmbeddingDimensions <= 0 {
		slog.Warn("memory.postgres_dsn is set but memory.embedding_dimensions is not; defaulting to 1536")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
