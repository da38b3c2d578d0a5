// Package openai implements a realtime voice provider backed by the OpenAI
// Realtime API over websocket.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/parley-voice/parley/pkg/provider/realtime"
)

const (
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
	defaultModel   = "gpt-4o-realtime-preview"

	// Realtime sessions expire after 30 minutes server-side.
	maxSessionDuration = 30 * time.Minute

	// The Realtime API synthesises pcm16 at 24 kHz.
	outputSampleRate = 24000

	keepaliveInterval = 20 * time.Second
)

var availableVoices = []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"}

// Option configures the Provider during construction.
type Option func(*Provider)

// WithModel overrides the default realtime model.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithBaseURL overrides the websocket endpoint. Used by tests to point the
// provider at a local server.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = u
	}
}

// WithDecodeFailureHook registers a callback invoked once per inbound audio
// chunk that could not be decoded and was skipped.
func WithDecodeFailureHook(hook func()) Option {
	return func(p *Provider) {
		p.onDecodeFailure = hook
	}
}

// Provider connects sessions to the OpenAI Realtime API.
type Provider struct {
	apiKey          string
	model           string
	baseURL         string
	onDecodeFailure func()
}

var _ realtime.Provider = (*Provider)(nil)

// New creates an OpenAI Realtime provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: api key must not be empty")
	}
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Capabilities implements [realtime.Provider].
func (p *Provider) Capabilities() realtime.Capabilities {
	return realtime.Capabilities{
		MaxSessionDuration: maxSessionDuration,
		Voices:             availableVoices,
	}
}

// Connect implements [realtime.Provider]. It dials the endpoint and sends a
// session.update carrying the voice, persona and audio formats.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, _, err := websocket.Dial(ctx, p.baseURL+"?model="+p.model, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial realtime endpoint: %w", err)
	}
	conn.SetReadLimit(10 * 1024 * 1024)

	s := &session{
		conn:            conn,
		onDecodeFailure: p.onDecodeFailure,
		messages:        make(chan realtime.Message, 32),
		done:            make(chan struct{}),
	}

	if err := s.configure(ctx, cfg); err != nil {
		conn.Close(websocket.StatusInternalError, "session.update failed")
		return nil, err
	}

	go s.receiveLoop()
	go s.keepaliveLoop()
	return s, nil
}

// ── wire types ──

type clientEvent struct {
	Type     string         `json:"type"`
	Session  *sessionConfig `json:"session,omitempty"`
	Audio    string         `json:"audio,omitempty"`
	Item     *item          `json:"item,omitempty"`
	Response *responseSpec  `json:"response,omitempty"`
}

type sessionConfig struct {
	Modalities              []string           `json:"modalities,omitempty"`
	Voice                   string             `json:"voice,omitempty"`
	Instructions            string             `json:"instructions,omitempty"`
	InputAudioFormat        string             `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string             `json:"output_audio_format,omitempty"`
	InputAudioTranscription *transcriptionConf `json:"input_audio_transcription,omitempty"`
}

type transcriptionConf struct {
	Model string `json:"model"`
}

type item struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []contentPart `json:"content,omitempty"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type responseSpec struct{}

type serverEvent struct {
	Type       string      `json:"type"`
	Delta      string      `json:"delta,omitempty"`
	Transcript string      `json:"transcript,omitempty"`
	Error      *eventError `json:"error,omitempty"`
}

type eventError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ── session ──

type session struct {
	conn            *websocket.Conn
	onDecodeFailure func()

	messages chan realtime.Message
	done     chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

var _ realtime.Session = (*session)(nil)

// configure sends the session.update that fixes audio formats, voice and
// persona for the lifetime of the session.
func (s *session) configure(ctx context.Context, cfg realtime.SessionConfig) error {
	update := clientEvent{
		Type: "session.update",
		Session: &sessionConfig{
			Modalities:              []string{"audio", "text"},
			Voice:                   cfg.Voice,
			Instructions:            cfg.Persona,
			InputAudioFormat:        "pcm16",
			OutputAudioFormat:       "pcm16",
			InputAudioTranscription: &transcriptionConf{Model: "whisper-1"},
		},
	}
	if err := s.writeJSON(ctx, update); err != nil {
		return fmt.Errorf("openai: send session.update: %w", err)
	}
	return nil
}

func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// SendAudio implements [realtime.Session].
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("openai: session closed")
	default:
	}
	ev := clientEvent{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	}
	if err := s.writeJSON(context.Background(), ev); err != nil {
		return fmt.Errorf("openai: send audio: %w", err)
	}
	return nil
}

// SendText implements [realtime.Session]. The text is created as a user item
// and a response is requested immediately.
func (s *session) SendText(text string) error {
	select {
	case <-s.done:
		return fmt.Errorf("openai: session closed")
	default:
	}
	create := clientEvent{
		Type: "conversation.item.create",
		Item: &item{
			Type:    "message",
			Role:    "user",
			Content: []contentPart{{Type: "input_text", Text: text}},
		},
	}
	if err := s.writeJSON(context.Background(), create); err != nil {
		return fmt.Errorf("openai: send text item: %w", err)
	}
	respond := clientEvent{Type: "response.create", Response: &responseSpec{}}
	if err := s.writeJSON(context.Background(), respond); err != nil {
		return fmt.Errorf("openai: request response: %w", err)
	}
	return nil
}

// Messages implements [realtime.Session].
func (s *session) Messages() <-chan realtime.Message {
	return s.messages
}

// Close implements [realtime.Session].
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// receiveLoop owns the messages channel: it is the only writer and closes it
// after emitting the final KindClosed message.
func (s *session) receiveLoop() {
	defer close(s.messages)

	for {
		_, data, err := s.conn.Read(context.Background())
		if err != nil {
			select {
			case <-s.done:
				s.emit(realtime.Message{Kind: realtime.KindClosed})
			default:
				s.Close()
				s.emit(realtime.Message{
					Kind: realtime.KindClosed,
					Err:  fmt.Errorf("openai: connection lost: %w", err),
				})
			}
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("openai: undecodable server event, skipping", "error", err)
			continue
		}
		s.handleEvent(ev)
	}
}

func (s *session) handleEvent(ev serverEvent) {
	switch ev.Type {
	case "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			slog.Warn("openai: undecodable audio chunk, skipping", "error", err)
			if s.onDecodeFailure != nil {
				s.onDecodeFailure()
			}
			return
		}
		s.emit(realtime.Message{
			Kind:       realtime.KindAudioChunk,
			Audio:      pcm,
			SampleRate: outputSampleRate,
		})
	case "response.audio_transcript.delta":
		if ev.Delta != "" {
			s.emit(realtime.Message{
				Kind: realtime.KindOutputTranscriptDelta,
				Text: ev.Delta,
			})
		}
	case "conversation.item.input_audio_transcription.completed":
		if ev.Transcript != "" {
			s.emit(realtime.Message{
				Kind: realtime.KindInputTranscriptDelta,
				Text: ev.Transcript,
			})
		}
	case "response.done":
		s.emit(realtime.Message{Kind: realtime.KindTurnComplete})
	case "input_audio_buffer.speech_started":
		// Server VAD detected the user talking over the model. Cancel the
		// in-flight response so its remaining audio never arrives.
		s.emit(realtime.Message{Kind: realtime.KindInterrupted})
		if err := s.writeJSON(context.Background(), clientEvent{Type: "response.cancel"}); err != nil {
			slog.Warn("openai: response.cancel failed", "error", err)
		}
	case "error":
		msg := "unknown error"
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		s.emit(realtime.Message{
			Kind: realtime.KindError,
			Err:  fmt.Errorf("openai: server error: %s", msg),
		})
	}
}

func (s *session) emit(msg realtime.Message) {
	s.messages <- msg
}

func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := s.conn.Ping(ctx)
			cancel()
			if err != nil {
				select {
				case <-s.done:
				default:
					slog.Warn("openai: keepalive ping failed", "error", err)
				}
				return
			}
		}
	}
}
