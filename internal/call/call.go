// Package call manages the lifecycle of one duplex voice call: microphone
// capture, the provider session, gapless playback, level metering and
// transcript accumulation, tied together by a single dispatch loop over the
// session's typed message stream.
//
// A [Call] moves through the states idle → connecting → connected and ends
// in closed or error. Teardown is convergent: whatever triggers it — a local
// Close, a provider error, or a remote disconnect — every resource is
// released exactly once and the call lands in a terminal state. There is no
// automatic reconnection; a dead call stays dead and the caller decides
// whether to start a new one.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parley-voice/parley/internal/observe"
	"github.com/parley-voice/parley/internal/transcript"
	"github.com/parley-voice/parley/pkg/audio"
	"github.com/parley-voice/parley/pkg/audio/capture"
	"github.com/parley-voice/parley/pkg/audio/codec"
	"github.com/parley-voice/parley/pkg/audio/device"
	"github.com/parley-voice/parley/pkg/audio/levels"
	"github.com/parley-voice/parley/pkg/audio/playback"
	"github.com/parley-voice/parley/pkg/provider/realtime"
)

// ErrSessionOpenFailure marks errors establishing the provider session.
// Distinct from [device.ErrPermissionDenied], which marks microphone access
// being refused before any network activity.
var ErrSessionOpenFailure = errors.New("call: session open failure")

// errStartAborted is returned by Start when Close lands while Start is
// suspended in a device open or the provider dial. The call is already in its
// terminal state; Start releases whatever it just acquired and backs out.
var errStartAborted = errors.New("call: start aborted by close")

// ConnectionState is the lifecycle state of a [Call].
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
	StateClosed
)

// String returns the lowercase state name.
func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Mode selects which half of the pipeline drives the model.
type Mode int

const (
	// ModeConversation captures the microphone and lets the user talk.
	ModeConversation Mode = iota
	// ModeNarration has no microphone; the model speaks text handed to
	// [Call.Narrate].
	ModeNarration
)

// String returns the lowercase mode name.
func (m Mode) String() string {
	switch m {
	case ModeConversation:
		return "conversation"
	case ModeNarration:
		return "narration"
	default:
		return "unknown"
	}
}

// Config carries the per-call parameters. The same pipeline serves both
// modes; only Persona, Voice and Mode differ between a conversational agent
// and a narrator.
type Config struct {
	Mode     Mode
	Persona  string
	Voice    string
	Provider string // label for telemetry, e.g. "gemini"
}

// Tap receives raw PCM from both directions of the call. Implemented by the
// session recorder.
type Tap interface {
	User(pcm []byte)
	Model(pcm []byte)
}

// Option configures a [Call] during construction.
type Option func(*Call)

// WithOnState registers a callback invoked on every state transition.
func WithOnState(fn func(ConnectionState)) Option {
	return func(c *Call) {
		c.onState = fn
	}
}

// WithOnLevel registers a callback receiving normalized [0,1] user and AI
// audio levels on a fixed interval, independent of playback.
func WithOnLevel(fn func(user, ai float64)) Option {
	return func(c *Call) {
		c.onLevel = fn
	}
}

// WithOnTurn registers a callback receiving each completed conversation
// turn.
func WithOnTurn(fn func(transcript.Turn)) Option {
	return func(c *Call) {
		c.onTurn = fn
	}
}

// WithOnTranscriptDelta registers a callback receiving live transcript
// fragments as they stream in, before the turn completes.
func WithOnTranscriptDelta(fn func(role transcript.Role, text string)) Option {
	return func(c *Call) {
		c.onDelta = fn
	}
}

// WithMetrics attaches OpenTelemetry instruments. Nil (the default) disables
// metric recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Call) {
		c.metrics = m
	}
}

// WithTap attaches an audio tap seeing both directions of the call.
func WithTap(tap Tap) Option {
	return func(c *Call) {
		c.tap = tap
	}
}

// WithInputOpener overrides how the microphone is opened. Used by tests to
// supply a mock device.
func WithInputOpener(open func() (device.Input, error)) Option {
	return func(c *Call) {
		c.openInput = open
	}
}

// WithOutputOpener overrides how the speaker is opened. Used by tests to
// supply a mock device.
func WithOutputOpener(open func(f audio.Format) (device.Output, error)) Option {
	return func(c *Call) {
		c.openOutput = open
	}
}

// WithMeterInterval overrides the level publishing interval.
func WithMeterInterval(d time.Duration) Option {
	return func(c *Call) {
		c.meterInterval = d
	}
}

// Call is one voice call from start to teardown. Safe for concurrent use.
type Call struct {
	provider realtime.Provider
	cfg      Config

	openInput  func() (device.Input, error)
	openOutput func(f audio.Format) (device.Output, error)

	onState func(ConnectionState)
	onLevel func(user, ai float64)
	onTurn  func(transcript.Turn)
	onDelta func(role transcript.Role, text string)

	metrics       *observe.Metrics
	tap           Tap
	meterInterval time.Duration

	mu      sync.Mutex
	state   ConnectionState
	termErr error
	torn    bool // set by teardown; Start re-checks it after every suspension point

	session realtime.Session
	output  device.Output
	pipe    *capture.Pipeline
	sched   *playback.Scheduler
	meter   *levels.Meter
	acc     *transcript.Accumulator

	ready        atomic.Bool
	dispatchDone chan struct{}
	teardownOnce sync.Once
	closeErr     error
}

// New creates a Call in the idle state. Nothing is opened until
// [Call.Start].
func New(provider realtime.Provider, cfg Config, opts ...Option) *Call {
	c := &Call{
		provider:      provider,
		cfg:           cfg,
		meterInterval: levels.DefaultInterval,
		acc:           transcript.NewAccumulator(),
		openInput: func() (device.Input, error) {
			return device.OpenInput(device.InputConfig{})
		},
		openOutput: func(f audio.Format) (device.Output, error) {
			return device.OpenOutput(device.OutputConfig{Format: f})
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Call) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the terminal error after the call ended in the error state;
// nil otherwise.
func (c *Call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.termErr
}

// Levels returns the current normalized audio levels. Zero before Start.
func (c *Call) Levels() (user, ai float64) {
	c.mu.Lock()
	m := c.meter
	c.mu.Unlock()
	if m == nil {
		return 0, 0
	}
	return m.Levels()
}

// Start opens the devices, connects the provider session and brings the
// call to the connected state. In conversation mode the microphone is opened
// before the session so the level meter works while connecting; frames
// captured in that window are dropped, not buffered.
func (c *Call) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("call: start from state %q", c.state)
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.notifyState(StateConnecting)

	meter := levels.NewMeter(c.publishLevels, levels.WithInterval(c.meterInterval))
	meter.Start()
	if !c.adopt(func() { c.meter = meter }) {
		meter.Stop()
		return errStartAborted
	}

	if c.cfg.Mode == ModeConversation {
		input, err := c.openInput()
		if err != nil {
			err = fmt.Errorf("call: open microphone: %w", err)
			c.fail(err)
			return err
		}
		pipe := capture.New(input, codec.PCM16Encoder{}, c.sendUplink,
			capture.WithReadyFunc(c.ready.Load),
			capture.WithFrameTap(c.tapUserFrame),
			capture.WithDropHook(c.countDroppedFrame),
		)
		if !c.adopt(func() { c.pipe = pipe }) {
			if err := pipe.Stop(); err != nil {
				slog.Warn("call: stop capture after aborted start", "error", err)
			}
			return errStartAborted
		}
	}

	output, err := c.openOutput(audio.Format{SampleRate: audio.PlaybackSampleRate, Channels: 1})
	if err != nil {
		err = fmt.Errorf("call: open speaker: %w", err)
		c.fail(err)
		return err
	}
	// The scheduler's paced slices pass through the meter on their way to the
	// speaker, so the AI level tracks what is audible right now.
	sched := playback.New(&meterSink{out: output, meter: meter})
	if !c.adopt(func() { c.output = output; c.sched = sched }) {
		if err := sched.Close(); err != nil {
			slog.Warn("call: close scheduler after aborted start", "error", err)
		}
		if err := output.Close(); err != nil {
			slog.Warn("call: close speaker after aborted start", "error", err)
		}
		return errStartAborted
	}

	dialStart := time.Now()
	session, err := c.provider.Connect(ctx, realtime.SessionConfig{
		Persona:          c.cfg.Persona,
		Voice:            c.cfg.Voice,
		InputSampleRate:  audio.CaptureSampleRate,
		OutputSampleRate: audio.PlaybackSampleRate,
	})
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSessionOpenFailure, err)
		c.fail(err)
		return err
	}

	c.mu.Lock()
	if c.torn {
		// Close won the race while Connect was in flight. The session was
		// never registered for teardown, so it is released here; the terminal
		// state stays whatever teardown chose.
		c.mu.Unlock()
		if err := session.Close(); err != nil {
			slog.Warn("call: close session after aborted start", "error", err)
		}
		return errStartAborted
	}
	c.session = session
	c.dispatchDone = make(chan struct{})
	c.state = StateConnected
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordSessionOpen(ctx, c.cfg.Provider, time.Since(dialStart))
		c.metrics.ActiveCalls.Add(context.Background(), 1)
	}

	c.ready.Store(true)
	go c.dispatch(session)
	c.notifyState(StateConnected)

	slog.Info("call connected",
		"mode", c.cfg.Mode.String(),
		"provider", c.cfg.Provider,
		"voice", c.cfg.Voice,
	)
	return nil
}

// Narrate injects text as a completed user turn, making the model speak it
// in character. Only valid while connected.
func (c *Call) Narrate(text string) error {
	c.mu.Lock()
	session := c.session
	state := c.state
	c.mu.Unlock()
	if state != StateConnected || session == nil {
		return fmt.Errorf("call: narrate in state %q", state)
	}
	if err := session.SendText(text); err != nil {
		return fmt.Errorf("call: narrate: %w", err)
	}
	return nil
}

// Close tears the call down and waits for the dispatch loop to drain. Safe
// to call any number of times, from any goroutine; every call returns the
// same result.
func (c *Call) Close() error {
	c.teardown(StateClosed, nil)
	c.mu.Lock()
	done := c.dispatchDone
	c.mu.Unlock()
	if done != nil {
		<-done
	}
	return c.closeErr
}

// ── internals ──

// adopt registers a freshly acquired resource for teardown, unless teardown
// already ran while Start was suspended acquiring it. Reports whether the
// resource was adopted; a rejected resource must be released by the caller.
func (c *Call) adopt(register func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.torn {
		return false
	}
	register()
	return true
}

// fail tears down after a Start step failed.
func (c *Call) fail(err error) {
	c.teardown(StateError, err)
}

// teardown releases every resource exactly once and moves the call to its
// terminal state. Both Close and the dispatch loop converge here.
func (c *Call) teardown(final ConnectionState, cause error) {
	c.teardownOnce.Do(func() {
		c.ready.Store(false)

		c.mu.Lock()
		c.torn = true
		pipe := c.pipe
		session := c.session
		sched := c.sched
		output := c.output
		meter := c.meter
		started := c.state == StateConnected
		c.state = final
		c.termErr = cause
		c.mu.Unlock()

		var errs []error
		if pipe != nil {
			if err := pipe.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop capture: %w", err))
			}
		}
		if session != nil {
			if err := session.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close session: %w", err))
			}
		}
		if sched != nil {
			if err := sched.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close scheduler: %w", err))
			}
		}
		if output != nil {
			if err := output.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close speaker: %w", err))
			}
		}
		if meter != nil {
			meter.Stop()
		}
		if started && c.metrics != nil {
			c.metrics.ActiveCalls.Add(context.Background(), -1)
		}
		c.closeErr = errors.Join(errs...)

		if cause != nil {
			slog.Error("call ended", "state", final.String(), "error", cause)
		} else {
			slog.Info("call ended", "state", final.String())
		}
		c.notifyState(final)
	})
}

// dispatch is the single consumer of the session's message stream. Every
// inbound event of the call funnels through this one switch.
func (c *Call) dispatch(session realtime.Session) {
	c.mu.Lock()
	done := c.dispatchDone
	c.mu.Unlock()
	defer close(done)

	for msg := range session.Messages() {
		switch msg.Kind {
		case realtime.KindAudioChunk:
			c.handleAudioChunk(msg)

		case realtime.KindOutputTranscriptDelta:
			c.acc.Add(transcript.RoleModel, msg.Text)
			if c.onDelta != nil {
				c.onDelta(transcript.RoleModel, msg.Text)
			}

		case realtime.KindInputTranscriptDelta:
			c.acc.Add(transcript.RoleUser, msg.Text)
			if c.onDelta != nil {
				c.onDelta(transcript.RoleUser, msg.Text)
			}

		case realtime.KindTurnComplete:
			turn := c.acc.Flush()
			if turn.Empty() {
				break
			}
			if c.metrics != nil {
				c.metrics.RecordTurn(context.Background(), c.cfg.Mode.String())
			}
			if c.onTurn != nil {
				c.onTurn(turn)
			}

		case realtime.KindInterrupted:
			c.handleInterrupt()

		case realtime.KindError:
			if c.metrics != nil {
				c.metrics.RecordSessionError(context.Background(), c.cfg.Provider, "session_error")
			}
			c.teardown(StateError, msg.Err)

		case realtime.KindClosed:
			if msg.Err != nil {
				if c.metrics != nil {
					c.metrics.RecordSessionError(context.Background(), c.cfg.Provider, "remote_close")
				}
				c.teardown(StateError, msg.Err)
			} else {
				c.teardown(StateClosed, nil)
			}
		}
	}
}

func (c *Call) handleAudioChunk(msg realtime.Message) {
	c.mu.Lock()
	sched := c.sched
	c.mu.Unlock()

	rate := msg.SampleRate
	if rate == 0 {
		rate = audio.PlaybackSampleRate
	}
	if sched != nil {
		if _, err := sched.Enqueue(playback.Buffer{
			PCM:        msg.Audio,
			SampleRate: rate,
			Channels:   1,
		}); err != nil && !errors.Is(err, playback.ErrClosed) {
			slog.Warn("call: enqueue model audio failed", "error", err)
		}
	}
	if c.tap != nil {
		c.tap.Model(msg.Audio)
	}
	if c.metrics != nil {
		c.metrics.ScheduledChunks.Add(context.Background(), 1)
	}
}

// handleInterrupt reacts to user barge-in: all queued and playing model
// audio stops and the schedule cursor snaps back to now. The discard travels
// through the [meterSink], wiping the AI level along with the audio that
// will never play.
func (c *Call) handleInterrupt() {
	c.mu.Lock()
	sched := c.sched
	c.mu.Unlock()

	if sched != nil {
		sched.Interrupt()
	}
	if c.metrics != nil {
		c.metrics.Interrupts.Add(context.Background(), 1)
	}
	slog.Debug("call: barge-in, playback flushed")
}

func (c *Call) sendUplink(chunk []byte) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return fmt.Errorf("call: no session")
	}
	return session.SendAudio(chunk)
}

func (c *Call) tapUserFrame(pcm []byte) {
	c.mu.Lock()
	meter := c.meter
	c.mu.Unlock()
	if meter != nil {
		meter.WriteUser(pcm)
	}
	if c.tap != nil {
		c.tap.User(pcm)
	}
	if c.metrics != nil {
		c.metrics.CapturedFrames.Add(context.Background(), 1)
	}
}

func (c *Call) countDroppedFrame() {
	if c.metrics != nil {
		c.metrics.DroppedFrames.Add(context.Background(), 1)
	}
}

func (c *Call) publishLevels(user, ai float64) {
	if c.onLevel != nil {
		c.onLevel(user, ai)
	}
}

func (c *Call) notifyState(s ConnectionState) {
	if c.onState != nil {
		c.onState(s)
	}
}

// meterSink feeds the AI analyzer from the scheduler's paced writes, so the
// level reflects audio as it plays out rather than as chunks arrive. When
// the queue drains the writes stop and the analyzer decays to silence; a
// barge-in discard wipes it immediately.
type meterSink struct {
	out   device.Output
	meter *levels.Meter
}

var _ playback.Sink = (*meterSink)(nil)

func (s *meterSink) Write(pcm []byte) error {
	s.meter.WriteAI(pcm)
	return s.out.Write(pcm)
}

func (s *meterSink) Discard() error {
	s.meter.ResetAI()
	return s.out.Discard()
}
