package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/parley-voice/parley/internal/call"
	"github.com/parley-voice/parley/internal/config"
	"github.com/parley-voice/parley/internal/knowledge"
	"github.com/parley-voice/parley/internal/observe"
	"github.com/parley-voice/parley/internal/recorder"
	"github.com/parley-voice/parley/internal/transcript"
	"github.com/parley-voice/parley/pkg/provider/realtime"
)

// recallTopK is how many remembered facts are woven into the persona at dial
// time.
const recallTopK = 8

// extractionTimeout bounds the background knowledge-extraction pass for one
// turn.
const extractionTimeout = 30 * time.Second

// CallInfo holds metadata about the active call.
type CallInfo struct {
	// CallID is the unique identifier for this call, used as the transcript
	// source in memory.
	CallID string

	// PersonaName is the configured persona driving the call.
	PersonaName string

	// Mode is the pipeline mode (conversation or narration).
	Mode config.Mode

	// StartedAt is when the call was dialed.
	StartedAt time.Time

	// RecordingPath is the file the call is being recorded to. Empty when
	// recording is disabled or failed to open.
	RecordingPath string
}

// CallManager owns the lifecycle of voice calls. Only one call can be active
// at a time (enforced by mutex). All exported methods are safe for concurrent
// use.
type CallManager struct {
	mu     sync.Mutex
	active *call.Call
	rec    *recorder.Recorder
	info   CallInfo

	personas []config.PersonaConfig

	// Dependencies injected at construction.
	provider     realtime.Provider
	providerName string
	recording    config.RecordingConfig
	extractor    *knowledge.Extractor
	metrics      *observe.Metrics
	callOptions  []call.Option
	newRecorder  func(path string) (*recorder.Recorder, error)
}

// CallManagerConfig holds all dependencies for a [CallManager].
type CallManagerConfig struct {
	Provider     realtime.Provider
	ProviderName string
	Personas     []config.PersonaConfig
	Recording    config.RecordingConfig

	// Extractor is optional; nil disables fact extraction and recall.
	Extractor *knowledge.Extractor

	// Metrics is optional; nil disables instrument recording.
	Metrics *observe.Metrics

	// CallOptions are appended to every call's options. Used by tests to
	// inject mock audio devices.
	CallOptions []call.Option

	// RecorderFactory overrides how recorders are opened. Used by tests to
	// swap the Opus encoder for a pass-through one. Nil uses [recorder.New].
	RecorderFactory func(path string) (*recorder.Recorder, error)
}

// NewCallManager creates a CallManager with the given dependencies.
func NewCallManager(cfg CallManagerConfig) *CallManager {
	newRec := cfg.RecorderFactory
	if newRec == nil {
		newRec = func(path string) (*recorder.Recorder, error) {
			return recorder.New(path)
		}
	}
	return &CallManager{
		provider:     cfg.Provider,
		providerName: cfg.ProviderName,
		personas:     cfg.Personas,
		recording:    cfg.Recording,
		extractor:    cfg.Extractor,
		metrics:      cfg.Metrics,
		callOptions:  cfg.CallOptions,
		newRecorder:  newRec,
	}
}

// SetPersonas replaces the persona list. Applies to the next Dial; the active
// call keeps the persona it was dialed with.
func (cm *CallManager) SetPersonas(personas []config.PersonaConfig) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.personas = personas
}

// Dial starts a call with the named persona. It recalls remembered facts into
// the persona text, opens the recorder when enabled, and brings the call to
// the connected state.
//
// Returns an error if a call is already active or the persona is unknown.
func (cm *CallManager) Dial(ctx context.Context, personaName string, opts ...call.Option) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.active != nil && !terminal(cm.active.State()) {
		return fmt.Errorf("call manager: a call is already active (id=%s)", cm.info.CallID)
	}

	persona, err := cm.findPersona(personaName)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	callID := fmt.Sprintf("call-%s-%s", sanitizeName(persona.Name), now.Format("20060102T150405Z"))

	personaText := cm.enrichPersona(ctx, persona.Persona)

	// Recording is best-effort: a recorder that cannot open must not block
	// the call.
	var rec *recorder.Recorder
	var recPath string
	if cm.recording.Enabled {
		recPath = filepath.Join(cm.recording.Dir, callID+".rec")
		rec, err = cm.newRecorder(recPath)
		if err != nil {
			slog.Warn("call manager: recording disabled for this call", "path", recPath, "err", err)
			rec, recPath = nil, ""
		}
	}

	callOpts := append([]call.Option{}, cm.callOptions...)
	callOpts = append(callOpts, opts...)
	if cm.metrics != nil {
		callOpts = append(callOpts, call.WithMetrics(cm.metrics))
	}
	if rec != nil {
		callOpts = append(callOpts, call.WithTap(rec))
	}
	if cm.extractor != nil {
		callOpts = append(callOpts, call.WithOnTurn(cm.onTurn(callID)))
	}

	c := call.New(cm.provider, call.Config{
		Mode:     callMode(persona.Mode),
		Persona:  personaText,
		Voice:    persona.Voice,
		Provider: cm.providerName,
	}, callOpts...)

	if err := c.Start(ctx); err != nil {
		if rec != nil {
			if cerr := rec.Close(); cerr != nil {
				slog.Warn("call manager: close recorder after failed dial", "err", cerr)
			}
		}
		return fmt.Errorf("call manager: dial persona %q: %w", persona.Name, err)
	}

	cm.active = c
	cm.rec = rec
	cm.info = CallInfo{
		CallID:        callID,
		PersonaName:   persona.Name,
		Mode:          persona.Mode,
		StartedAt:     now,
		RecordingPath: recPath,
	}

	slog.Info("call dialed",
		"call_id", callID,
		"persona", persona.Name,
		"mode", persona.Mode,
		"provider", cm.providerName,
		"recording", recPath != "",
	)
	return nil
}

// Hangup ends the active call and finalises its recording.
//
// Returns an error if no call is active.
func (cm *CallManager) Hangup() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.active == nil {
		return errors.New("call manager: no active call to hang up")
	}

	callID := cm.info.CallID
	var errs []error
	if err := cm.active.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close call: %w", err))
	}
	if cm.rec != nil {
		if err := cm.rec.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close recorder: %w", err))
		}
	}

	cm.active = nil
	cm.rec = nil
	cm.info = CallInfo{}

	slog.Info("call hung up", "call_id", callID)
	return errors.Join(errs...)
}

// Narrate makes the active call's model speak the given text. Only valid for
// an active narration- or conversation-mode call in the connected state.
func (cm *CallManager) Narrate(text string) error {
	cm.mu.Lock()
	c := cm.active
	cm.mu.Unlock()
	if c == nil {
		return errors.New("call manager: no active call")
	}
	return c.Narrate(text)
}

// Active reports whether a non-terminal call is in progress.
func (cm *CallManager) Active() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.active != nil && !terminal(cm.active.State())
}

// Info returns metadata about the active call. Zero value when none.
func (cm *CallManager) Info() CallInfo {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.info
}

// State returns the active call's lifecycle state, or StateIdle when no call
// has been dialed.
func (cm *CallManager) State() call.ConnectionState {
	cm.mu.Lock()
	c := cm.active
	cm.mu.Unlock()
	if c == nil {
		return call.StateIdle
	}
	return c.State()
}

// Err returns the active call's terminal error, if any.
func (cm *CallManager) Err() error {
	cm.mu.Lock()
	c := cm.active
	cm.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Err()
}

// enrichPersona prepends remembered facts to the persona text. Recall
// failures degrade to the plain persona; a down memory store must not block
// dialing.
func (cm *CallManager) enrichPersona(ctx context.Context, persona string) string {
	if cm.extractor == nil {
		return persona
	}
	results, err := cm.extractor.Recall(ctx, persona, recallTopK)
	if err != nil {
		slog.Warn("call manager: fact recall failed, using plain persona", "err", err)
		return persona
	}
	return knowledge.FormatPersonaContext(persona, results)
}

// onTurn returns the per-turn callback feeding the knowledge extractor. The
// extraction runs on its own goroutine and deadline so a slow LLM never
// backpressures the dispatch loop.
func (cm *CallManager) onTurn(callID string) func(turn transcript.Turn) {
	return func(turn transcript.Turn) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), extractionTimeout)
			defer cancel()
			if err := cm.extractor.ProcessTurn(ctx, callID, turn); err != nil {
				slog.Warn("call manager: turn processing failed", "call_id", callID, "err", err)
			}
		}()
	}
}

// findPersona looks up a persona by name. Empty name selects the first
// configured persona.
func (cm *CallManager) findPersona(name string) (config.PersonaConfig, error) {
	if name == "" {
		if len(cm.personas) == 0 {
			return config.PersonaConfig{}, errors.New("call manager: no personas configured")
		}
		return cm.personas[0], nil
	}
	for _, p := range cm.personas {
		if p.Name == name {
			return p, nil
		}
	}
	return config.PersonaConfig{}, fmt.Errorf("call manager: unknown persona %q", name)
}

// callMode converts a config.Mode to call.Mode.
func callMode(m config.Mode) call.Mode {
	if m == config.ModeNarration {
		return call.ModeNarration
	}
	return call.ModeConversation
}

// terminal reports whether s is an end state.
func terminal(s call.ConnectionState) bool {
	return s == call.StateClosed || s == call.StateError
}

// sanitizeName lowercases a name and replaces spaces with hyphens for use in
// call IDs and file names.
func sanitizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, " ", "-")
	return name
}
