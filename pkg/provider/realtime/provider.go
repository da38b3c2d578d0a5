// Package realtime defines the Provider interface for duplex voice session
// backends.
//
// A realtime provider wraps a voice AI service that accepts raw audio input
// and returns synthesised audio output in a single, stateful session —
// bypassing a separate STT → LLM → TTS pipeline entirely. Examples include
// the Gemini Live API and the OpenAI Realtime API.
//
// The central abstraction is Session: a bidirectional handle whose entire
// inbound side is one ordered stream of typed [Message] values. Consumers
// dispatch on [Message.Kind] in a single place instead of juggling
// per-concern channels and callbacks.
//
// All implementations must be safe for concurrent use.
package realtime

import (
	"context"
	"time"
)

// MessageKind classifies an inbound session message.
type MessageKind int

const (
	// KindAudioChunk carries decoded model audio PCM.
	KindAudioChunk MessageKind = iota

	// KindOutputTranscriptDelta carries a text fragment of what the model is
	// saying.
	KindOutputTranscriptDelta

	// KindInputTranscriptDelta carries a text fragment of what the provider
	// heard the user say.
	KindInputTranscriptDelta

	// KindTurnComplete marks the end of a model turn.
	KindTurnComplete

	// KindInterrupted signals the model detected the user barging in; all
	// pending model audio must be dropped.
	KindInterrupted

	// KindError carries a provider-reported error event.
	KindError

	// KindClosed is the final message of every session: the connection has
	// terminated. Err is nil for a locally requested close.
	KindClosed
)

// String returns the wire-style name of the message kind.
func (k MessageKind) String() string {
	switch k {
	case KindAudioChunk:
		return "modelAudioChunk"
	case KindOutputTranscriptDelta:
		return "outputTranscriptionDelta"
	case KindInputTranscriptDelta:
		return "inputTranscriptionDelta"
	case KindTurnComplete:
		return "turnComplete"
	case KindInterrupted:
		return "interrupted"
	case KindError:
		return "error"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Message is one typed inbound session event. Exactly the fields relevant to
// the Kind are populated.
type Message struct {
	Kind MessageKind

	// Audio is decoded little-endian int16 PCM for KindAudioChunk.
	Audio []byte

	// SampleRate of Audio in Hz.
	SampleRate int

	// Text is the fragment for transcript delta kinds.
	Text string

	// Err is set for KindError, and for KindClosed when the session
	// terminated abnormally.
	Err error
}

// SessionConfig is the initial configuration for a new session.
type SessionConfig struct {
	// Persona is the opaque system-level instruction string defining the
	// speaker's character and behaviour. The pipeline never interprets it.
	Persona string

	// Voice selects the provider voice used for synthesised speech.
	Voice string

	// InputSampleRate is the PCM rate of audio sent via SendAudio.
	// Zero means 16000.
	InputSampleRate int

	// OutputSampleRate is the PCM rate the provider synthesises at.
	// Zero means 24000.
	OutputSampleRate int
}

// Capabilities describes static properties of a provider. The values are
// assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// MaxSessionDuration is the hard upper bound on session lifetime imposed
	// by the provider. Zero means no documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the voice identifiers available for this provider.
	Voices []string
}

// Session represents an open duplex session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// The session is the hot path of the voice pipeline — every method must
// return quickly. All methods must be safe for concurrent use. Callers must
// call Close when the session is no longer needed and must drain Messages
// promptly to prevent backpressure from stalling the provider's receive loop.
type Session interface {
	// SendAudio delivers a raw PCM chunk (s16le mono at the configured input
	// rate) to the provider. Returns an error if the session is closed or
	// the transport rejects the write.
	SendAudio(chunk []byte) error

	// SendText injects a text prompt as a completed user turn, triggering a
	// spoken model response. Used for narration, where there is no
	// microphone.
	SendText(text string) error

	// Messages returns the ordered inbound stream. The channel emits a final
	// KindClosed message and is then closed, exactly once, regardless of how
	// the session ends.
	Messages() <-chan Message

	// Close terminates the session and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any realtime voice backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect establishes a new session with the given configuration. The
	// returned Session is ready to accept audio immediately.
	//
	// Returns an error if the session cannot be established (authentication
	// failure, invalid voice, ctx already cancelled). The caller owns the
	// Session and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)

	// Capabilities returns static metadata about this provider.
	Capabilities() Capabilities
}
