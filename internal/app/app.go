// Package app wires all Parley subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the health/metrics endpoint until the context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithRealtimeProvider, WithMemoryStore, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/parley-voice/parley/internal/call"
	"github.com/parley-voice/parley/internal/config"
	"github.com/parley-voice/parley/internal/health"
	"github.com/parley-voice/parley/internal/knowledge"
	"github.com/parley-voice/parley/internal/observe"
	"github.com/parley-voice/parley/internal/resilience"
	"github.com/parley-voice/parley/pkg/memory"
	"github.com/parley-voice/parley/pkg/memory/postgres"
	"github.com/parley-voice/parley/pkg/provider/embeddings"
	"github.com/parley-voice/parley/pkg/provider/llm"
	"github.com/parley-voice/parley/pkg/provider/realtime"
)

// defaultEmbeddingDimensions matches OpenAI text-embedding-3-small, the
// default embeddings backend.
const defaultEmbeddingDimensions = 1536

// httpShutdownTimeout bounds the HTTP server drain during Run teardown.
const httpShutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes and orchestrates the voice call pipeline.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	registry  *config.Registry
	rt        realtime.Provider
	store     memory.Store
	pgStore   *postgres.Store
	llm       llm.Provider
	embedder  embeddings.Provider
	extractor *knowledge.Extractor
	calls     *CallManager

	// callOptions are passed through to the CallManager for device injection
	// in tests.
	callOptions []call.Option

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry injects a provider registry instead of [DefaultRegistry].
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithRealtimeProvider injects a realtime provider instead of creating one
// from config.
func WithRealtimeProvider(p realtime.Provider) Option {
	return func(a *App) { a.rt = p }
}

// WithMemoryStore injects a memory store instead of connecting to PostgreSQL.
func WithMemoryStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// WithLLM injects a completion provider instead of creating one from config.
func WithLLM(p llm.Provider) Option {
	return func(a *App) { a.llm = p }
}

// WithEmbeddings injects an embeddings provider instead of creating one from
// config.
func WithEmbeddings(p embeddings.Provider) Option {
	return func(a *App) { a.embedder = p }
}

// WithMetrics injects a metrics instance instead of building one from the
// global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithCallOptions appends options to every call the manager dials. Used by
// tests to inject mock audio devices.
func WithCallOptions(opts ...call.Option) Option {
	return func(a *App) { a.callOptions = append(a.callOptions, opts...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together: metrics, the provider
// registry, the realtime provider, and — when knowledge is enabled — the
// memory store, the completion fallback chain, the embeddings backend and the
// fact extractor. Use Option functions to inject test doubles for any
// subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		m, err := observe.NewMetrics(otel.GetMeterProvider())
		if err != nil {
			return nil, fmt.Errorf("app: create metrics: %w", err)
		}
		a.metrics = m
	}

	if a.registry == nil {
		a.registry = DefaultRegistry(a.metrics)
	}

	if err := a.initRealtime(); err != nil {
		return nil, fmt.Errorf("app: init realtime provider: %w", err)
	}

	if cfg.Knowledge.Enabled {
		if err := a.initMemory(ctx); err != nil {
			return nil, fmt.Errorf("app: init memory: %w", err)
		}
		if err := a.initKnowledge(ctx); err != nil {
			return nil, fmt.Errorf("app: init knowledge: %w", err)
		}
	}

	a.calls = NewCallManager(CallManagerConfig{
		Provider:     a.rt,
		ProviderName: cfg.Realtime.Name,
		Personas:     cfg.Personas,
		Recording:    cfg.Recording,
		Extractor:    a.extractor,
		Metrics:      a.metrics,
		CallOptions:  a.callOptions,
	})

	return a, nil
}

// Calls returns the call manager.
func (a *App) Calls() *CallManager {
	return a.calls
}

// ApplyConfig applies a hot-reloaded config. Only personas take effect
// without a restart; everything else is ignored here (the watcher's diff
// already scopes what is reloadable).
func (a *App) ApplyConfig(cfg *config.Config) {
	a.calls.SetPersonas(cfg.Personas)
	slog.Info("app: personas reloaded", "count", len(cfg.Personas))
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initRealtime creates the duplex session provider from config unless one was
// injected.
func (a *App) initRealtime() error {
	if a.rt != nil {
		return nil
	}
	rt, err := a.registry.CreateRealtime(a.cfg.Realtime)
	if err != nil {
		return err
	}
	a.rt = rt
	return nil
}

// initMemory connects the PostgreSQL memory store unless one was injected.
func (a *App) initMemory(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dims := a.cfg.Memory.EmbeddingDimensions
	if dims == 0 {
		dims = defaultEmbeddingDimensions
	}

	store, err := postgres.NewStore(ctx, a.cfg.Memory.PostgresDSN, dims)
	if err != nil {
		return err
	}
	a.store = store
	a.pgStore = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initKnowledge builds the completion fallback chain, the embeddings backend
// and the fact extractor, then seeds the subject canonicalizer from stored
// facts.
func (a *App) initKnowledge(ctx context.Context) error {
	if a.llm == nil {
		primary, err := a.registry.CreateLLM(a.cfg.Knowledge.LLM)
		if err != nil {
			return fmt.Errorf("create llm %q: %w", a.cfg.Knowledge.LLM.Name, err)
		}
		if len(a.cfg.Knowledge.Fallbacks) == 0 {
			a.llm = primary
		} else {
			chain := resilience.NewLLMFallback(primary, resilience.FallbackConfig{})
			for _, entry := range a.cfg.Knowledge.Fallbacks {
				fb, err := a.registry.CreateLLM(entry)
				if err != nil {
					return fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
				}
				chain.AddFallback(fb)
			}
			a.llm = chain
		}
	}

	if a.embedder == nil {
		emb, err := a.registry.CreateEmbeddings(a.cfg.Knowledge.Embeddings)
		if err != nil {
			return fmt.Errorf("create embeddings %q: %w", a.cfg.Knowledge.Embeddings.Name, err)
		}
		a.embedder = emb
	}

	var exOpts []knowledge.Option
	if a.cfg.Knowledge.MinConfidence > 0 {
		exOpts = append(exOpts, knowledge.WithMinConfidence(a.cfg.Knowledge.MinConfidence))
	}
	exOpts = append(exOpts, knowledge.WithMetrics(a.metrics))
	a.extractor = knowledge.NewExtractor(a.llm, a.embedder, a.store, exOpts...)

	if err := a.extractor.SeedSubjects(ctx); err != nil {
		slog.Warn("app: seeding subject canonicalizer failed, starting empty", "err", err)
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the health/metrics endpoint (when configured) and blocks until
// ctx is cancelled. With no listen address it just waits for cancellation.
func (a *App) Run(ctx context.Context) error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		slog.Info("app running", "personas", len(a.cfg.Personas), "http", false)
		<-ctx.Done()
		return ctx.Err()
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: observe.Middleware(a.metrics)(a.buildMux()),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("app running", "personas", len(a.cfg.Personas), "http", true, "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("app: http shutdown error", "err", err)
	}
	return ctx.Err()
}

// buildMux assembles the health, readiness and metrics routes.
func (a *App) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	checkers := []health.Checker{
		{
			// The detail carries the live connection state so /readyz tells
			// an idle instance apart from one mid-call.
			Name: "call",
			Check: func(context.Context) (string, error) {
				st := a.calls.State()
				if st == call.StateError {
					return st.String(), fmt.Errorf("call in error state: %w", a.calls.Err())
				}
				return st.String(), nil
			},
		},
	}
	if a.pgStore != nil {
		checkers = append(checkers, health.Checker{
			Name: "memory",
			Check: func(ctx context.Context) (string, error) {
				return "", a.pgStore.Ping(ctx)
			},
		})
	}
	health.New(checkers...).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown hangs up the active call and tears down all subsystems in
// reverse-init order. It respects the context deadline: if ctx expires before
// all closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.calls != nil && a.calls.Active() {
			if err := a.calls.Hangup(); err != nil {
				slog.Warn("shutdown: hangup error", "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
