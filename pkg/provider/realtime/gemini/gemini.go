// Package gemini implements a realtime voice provider backed by the Gemini
// Live API (BidiGenerateContent over websocket).
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/parley-voice/parley/pkg/provider/realtime"
)

const (
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	defaultModel   = "gemini-2.0-flash-live-001"

	// Live API sessions are capped server-side at 15 minutes for audio.
	maxSessionDuration = 15 * time.Minute

	keepaliveInterval = 20 * time.Second
)

// availableVoices are the prebuilt voice names the Live API accepts.
var availableVoices = []string{"Puck", "Charon", "Kore", "Fenrir", "Aoede"}

// Option configures the Provider during construction.
type Option func(*Provider)

// WithModel overrides the default Live model.
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

// Provider connects sessions to the Gemini Live API.
type Provider struct {
	apiKey          string
	model           string
	baseURL         string
	onDecodeFailure func()
}

var _ realtime.Provider = (*Provider)(nil)

// New creates a Gemini Live provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: api key must not be empty")
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

// Connect implements [realtime.Provider]. It dials the Live endpoint, sends
// the setup message and waits for setupComplete before returning.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, fmt.Errorf("gemini: parse base url: %w", err)
	}
	q := u.Query()
	q.Set("key", p.apiKey)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: dial live endpoint: %w", err)
	}
	// Decoded model audio chunks exceed the library default read limit.
	conn.SetReadLimit(10 * 1024 * 1024)

	inputRate := cfg.InputSampleRate
	if inputRate == 0 {
		inputRate = 16000
	}
	outputRate := cfg.OutputSampleRate
	if outputRate == 0 {
		outputRate = 24000
	}

	s := &session{
		conn:            conn,
		inputMimeType:   fmt.Sprintf("audio/pcm;rate=%d", inputRate),
		outputRate:      outputRate,
		onDecodeFailure: p.onDecodeFailure,
		messages:        make(chan realtime.Message, 32),
		done:            make(chan struct{}),
	}

	if err := s.setup(ctx, p.model, cfg); err != nil {
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, err
	}

	go s.receiveLoop()
	go s.keepaliveLoop()
	return s, nil
}

// ── wire types ──

type setupMessage struct {
	Setup setupPayload `json:"setup"`
}

type setupPayload struct {
	Model             string             `json:"model"`
	GenerationConfig  *generationConfig  `json:"generationConfig,omitempty"`
	SystemInstruction *content           `json:"systemInstruction,omitempty"`
	InputAudioTx      *transcriptionConf `json:"inputAudioTranscription,omitempty"`
	OutputAudioTx     *transcriptionConf `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig *voiceConfig `json:"voiceConfig,omitempty"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig *prebuiltVoiceConfig `json:"prebuiltVoiceConfig,omitempty"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type transcriptionConf struct{}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts,omitempty"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ──

type session struct {
	conn            *websocket.Conn
	inputMimeType   string
	outputRate      int
	onDecodeFailure func()

	messages chan realtime.Message
	done     chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

var _ realtime.Session = (*session)(nil)

// setup sends the initial configuration and blocks until the server
// acknowledges with setupComplete.
func (s *session) setup(ctx context.Context, model string, cfg realtime.SessionConfig) error {
	payload := setupPayload{
		Model: "models/" + model,
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
		InputAudioTx:  &transcriptionConf{},
		OutputAudioTx: &transcriptionConf{},
	}
	if cfg.Voice != "" {
		payload.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: &voiceConfig{
				PrebuiltVoiceConfig: &prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Persona != "" {
		payload.SystemInstruction = &content{
			Parts: []part{{Text: cfg.Persona}},
		}
	}

	if err := s.writeJSON(ctx, setupMessage{Setup: payload}); err != nil {
		return fmt.Errorf("gemini: send setup: %w", err)
	}

	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("gemini: await setup ack: %w", err)
	}
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("gemini: decode setup ack: %w", err)
	}
	if msg.SetupComplete == nil {
		return fmt.Errorf("gemini: unexpected first server message, want setupComplete")
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
		return fmt.Errorf("gemini: session closed")
	default:
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{
				MimeType: s.inputMimeType,
				Data:     base64.StdEncoding.EncodeToString(chunk),
			}},
		},
	}
	if err := s.writeJSON(context.Background(), msg); err != nil {
		return fmt.Errorf("gemini: send audio: %w", err)
	}
	return nil
}

// SendText implements [realtime.Session]. The text is injected as a completed
// user turn, which triggers a spoken response.
func (s *session) SendText(text string) error {
	select {
	case <-s.done:
		return fmt.Errorf("gemini: session closed")
	default:
	}
	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns: []content{{
				Role:  "user",
				Parts: []part{{Text: text}},
			}},
			TurnComplete: true,
		},
	}
	if err := s.writeJSON(context.Background(), msg); err != nil {
		return fmt.Errorf("gemini: send text: %w", err)
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
		s.closeErr = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	// Raced or follow-up Close calls report success; the session is down
	// either way.
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
				// Locally requested close.
				s.emit(realtime.Message{Kind: realtime.KindClosed})
			default:
				s.Close()
				s.emit(realtime.Message{
					Kind: realtime.KindClosed,
					Err:  fmt.Errorf("gemini: connection lost: %w", err),
				})
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("gemini: undecodable server message, skipping", "error", err)
			continue
		}
		s.handleServerContent(msg.ServerContent)
	}
}

func (s *session) handleServerContent(sc *serverContent) {
	if sc == nil {
		return
	}
	// Interruption first: any audio in the same message is already stale.
	if sc.Interrupted {
		s.emit(realtime.Message{Kind: realtime.KindInterrupted})
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.emit(realtime.Message{
			Kind: realtime.KindInputTranscriptDelta,
			Text: sc.InputTranscription.Text,
		})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		s.emit(realtime.Message{
			Kind: realtime.KindOutputTranscriptDelta,
			Text: sc.OutputTranscription.Text,
		})
	}
	if sc.ModelTurn != nil && !sc.Interrupted {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				slog.Warn("gemini: undecodable audio chunk, skipping", "error", err)
				if s.onDecodeFailure != nil {
					s.onDecodeFailure()
				}
				continue
			}
			s.emit(realtime.Message{
				Kind:       realtime.KindAudioChunk,
				Audio:      pcm,
				SampleRate: s.outputRate,
			})
		}
	}
	if sc.TurnComplete {
		s.emit(realtime.Message{Kind: realtime.KindTurnComplete})
	}
}

func (s *session) emit(msg realtime.Message) {
	s.messages <- msg
}

// keepaliveLoop pings the connection periodically so idle sessions are not
// reaped by intermediaries.
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
					slog.Warn("gemini: keepalive ping failed", "error", err)
				}
				return
			}
		}
	}
}
