package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/parley-voice/parley/pkg/provider/realtime"
	"github.com/parley-voice/parley/pkg/provider/realtime/openai"
)

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

// startRealtimeServer is a scriptable stand-in for the Realtime endpoint.
// handle is called after the client's session.update has been consumed.
func startRealtimeServer(t *testing.T, handle func(ctx context.Context, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		if handle != nil {
			handle(ctx, conn)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func readJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func connect(t *testing.T, srv *httptest.Server, cfg realtime.SessionConfig, opts ...openai.Option) realtime.Session {
	t.Helper()
	opts = append(opts, openai.WithBaseURL(wsURL(srv)))
	p, err := openai.New("test-key", opts...)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	s, err := p.Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func nextMessage(t *testing.T, s realtime.Session) realtime.Message {
	t.Helper()
	select {
	case msg, ok := <-s.Messages():
		if !ok {
			t.Fatal("message channel closed unexpectedly")
		}
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return realtime.Message{}
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := openai.New(""); err == nil {
		t.Error("expected error for empty api key")
	}
}

func TestConnectSendsSessionUpdate(t *testing.T) {
	t.Parallel()
	type updateEvent struct {
		Type    string `json:"type"`
		Session struct {
			Voice             string `json:"voice"`
			Instructions      string `json:"instructions"`
			InputAudioFormat  string `json:"input_audio_format"`
			OutputAudioFormat string `json:"output_audio_format"`
		} `json:"session"`
	}

	var mu sync.Mutex
	var got updateEvent
	var auth, beta string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auth = r.Header.Get("Authorization")
		beta = r.Header.Get("OpenAI-Beta")
		mu.Unlock()
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		var ev updateEvent
		if err := readJSON(ctx, conn, &ev); err != nil {
			return
		}
		mu.Lock()
		got = ev
		mu.Unlock()
		conn.Read(ctx)
	}))
	t.Cleanup(srv.Close)

	s := connect(t, srv, realtime.SessionConfig{
		Persona: "You narrate audiobooks.",
		Voice:   "sage",
	})
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	if auth != "Bearer test-key" {
		t.Errorf("authorization header: got %q", auth)
	}
	if beta != "realtime=v1" {
		t.Errorf("beta header: got %q", beta)
	}
	if got.Type != "session.update" {
		t.Errorf("first event type: got %q", got.Type)
	}
	if got.Session.Voice != "sage" {
		t.Errorf("voice: got %q", got.Session.Voice)
	}
	if got.Session.Instructions != "You narrate audiobooks." {
		t.Errorf("instructions: got %q", got.Session.Instructions)
	}
	if got.Session.InputAudioFormat != "pcm16" || got.Session.OutputAudioFormat != "pcm16" {
		t.Errorf("audio formats: got %q / %q", got.Session.InputAudioFormat, got.Session.OutputAudioFormat)
	}
}

func TestSendAudioAppendsToBuffer(t *testing.T) {
	t.Parallel()
	type appendEvent struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}

	received := make(chan appendEvent, 1)
	srv := startRealtimeServer(t, func(ctx context.Context, conn *websocket.Conn) {
		var ev appendEvent
		if err := readJSON(ctx, conn, &ev); err != nil {
			return
		}
		received <- ev
		conn.Read(ctx)
	})

	s := connect(t, srv, realtime.SessionConfig{})
	pcm := []byte{0xAA, 0xBB, 0xCC}
	if err := s.SendAudio(pcm); err != nil {
		t.Fatalf("send audio: %v", err)
	}

	select {
	case ev := <-received:
		if ev.Type != "input_audio_buffer.append" {
			t.Errorf("event type: got %q", ev.Type)
		}
		decoded, err := base64.StdEncoding.DecodeString(ev.Audio)
		if err != nil {
			t.Fatalf("decode audio: %v", err)
		}
		if string(decoded) != string(pcm) {
			t.Errorf("audio payload mismatch: got %v, want %v", decoded, pcm)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the append event")
	}
}

func TestSendTextCreatesItemAndResponse(t *testing.T) {
	t.Parallel()
	type event struct {
		Type string `json:"type"`
		Item *struct {
			Type    string `json:"type"`
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"item"`
	}

	received := make(chan event, 2)
	srv := startRealtimeServer(t, func(ctx context.Context, conn *websocket.Conn) {
		for i := 0; i < 2; i++ {
			var ev event
			if err := readJSON(ctx, conn, &ev); err != nil {
				return
			}
			received <- ev
		}
		conn.Read(ctx)
	})

	s := connect(t, srv, realtime.SessionConfig{})
	if err := s.SendText("Begin the story."); err != nil {
		t.Fatalf("send text: %v", err)
	}

	var first, second event
	select {
	case first = <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the item event")
	}
	select {
	case second = <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the response event")
	}

	if first.Type != "conversation.item.create" {
		t.Errorf("first event type: got %q", first.Type)
	}
	if first.Item == nil || first.Item.Role != "user" {
		t.Fatalf("unexpected item: %+v", first.Item)
	}
	if first.Item.Content[0].Type != "input_text" || first.Item.Content[0].Text != "Begin the story." {
		t.Errorf("item content: %+v", first.Item.Content)
	}
	if second.Type != "response.create" {
		t.Errorf("second event type: got %q", second.Type)
	}
}

func TestServerEventsBecomeTypedMessages(t *testing.T) {
	t.Parallel()
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	srv := startRealtimeServer(t, func(ctx context.Context, conn *websocket.Conn) {
		writeJSON(ctx, conn, map[string]any{
			"type":  "response.audio.delta",
			"delta": base64.StdEncoding.EncodeToString(pcm),
		})
		writeJSON(ctx, conn, map[string]any{
			"type":  "response.audio_transcript.delta",
			"delta": "Once upon",
		})
		writeJSON(ctx, conn, map[string]any{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": "tell me a story",
		})
		writeJSON(ctx, conn, map[string]any{"type": "response.done"})
		conn.Read(ctx)
	})

	s := connect(t, srv, realtime.SessionConfig{})

	msg := nextMessage(t, s)
	if msg.Kind != realtime.KindAudioChunk {
		t.Fatalf("message 1: got %v, want audio chunk", msg.Kind)
	}
	if string(msg.Audio) != string(pcm) {
		t.Errorf("audio payload mismatch: got %v", msg.Audio)
	}
	if msg.SampleRate != 24000 {
		t.Errorf("sample rate: got %d, want 24000", msg.SampleRate)
	}

	msg = nextMessage(t, s)
	if msg.Kind != realtime.KindOutputTranscriptDelta || msg.Text != "Once upon" {
		t.Fatalf("message 2: got %v %q", msg.Kind, msg.Text)
	}

	msg = nextMessage(t, s)
	if msg.Kind != realtime.KindInputTranscriptDelta || msg.Text != "tell me a story" {
		t.Fatalf("message 3: got %v %q", msg.Kind, msg.Text)
	}

	msg = nextMessage(t, s)
	if msg.Kind != realtime.KindTurnComplete {
		t.Fatalf("message 4: got %v, want turn complete", msg.Kind)
	}
}

func TestSpeechStartedInterruptsAndCancels(t *testing.T) {
	t.Parallel()
	cancelled := make(chan string, 1)
	srv := startRealtimeServer(t, func(ctx context.Context, conn *websocket.Conn) {
		writeJSON(ctx, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		var ev struct {
			Type string `json:"type"`
		}
		if err := readJSON(ctx, conn, &ev); err != nil {
			return
		}
		cancelled <- ev.Type
		conn.Read(ctx)
	})

	s := connect(t, srv, realtime.SessionConfig{})

	msg := nextMessage(t, s)
	if msg.Kind != realtime.KindInterrupted {
		t.Fatalf("got %v, want interrupted", msg.Kind)
	}
	select {
	case typ := <-cancelled:
		if typ != "response.cancel" {
			t.Errorf("expected response.cancel, got %q", typ)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never received response.cancel")
	}
}

func TestErrorEventSurfaces(t *testing.T) {
	t.Parallel()
	srv := startRealtimeServer(t, func(ctx context.Context, conn *websocket.Conn) {
		writeJSON(ctx, conn, map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    "invalid_request_error",
				"code":    "invalid_voice",
				"message": "voice not available",
			},
		})
		conn.Read(ctx)
	})

	s := connect(t, srv, realtime.SessionConfig{})

	msg := nextMessage(t, s)
	if msg.Kind != realtime.KindError {
		t.Fatalf("got %v, want error", msg.Kind)
	}
	if msg.Err == nil || !strings.Contains(msg.Err.Error(), "voice not available") {
		t.Errorf("error message not carried: %v", msg.Err)
	}
}

func TestUndecodableAudioIsSkipped(t *testing.T) {
	t.Parallel()
	srv := startRealtimeServer(t, func(ctx context.Context, conn *websocket.Conn) {
		writeJSON(ctx, conn, map[string]any{
			"type":  "response.audio.delta",
			"delta": "!!!not-base64!!!",
		})
		writeJSON(ctx, conn, map[string]any{
			"type":  "response.audio.delta",
			"delta": base64.StdEncoding.EncodeToString([]byte{5, 5}),
		})
		conn.Read(ctx)
	})

	var mu sync.Mutex
	failures := 0
	s := connect(t, srv, realtime.SessionConfig{}, openai.WithDecodeFailureHook(func() {
		mu.Lock()
		failures++
		mu.Unlock()
	}))

	msg := nextMessage(t, s)
	if msg.Kind != realtime.KindAudioChunk {
		t.Fatalf("got %v, want the surviving audio chunk", msg.Kind)
	}
	if string(msg.Audio) != string([]byte{5, 5}) {
		t.Errorf("audio payload: got %v", msg.Audio)
	}
	mu.Lock()
	defer mu.Unlock()
	if failures != 1 {
		t.Errorf("decode failure hook calls: got %d, want 1", failures)
	}
}

func TestLocalCloseEmitsCleanClosed(t *testing.T) {
	t.Parallel()
	srv := startRealtimeServer(t, func(ctx context.Context, conn *websocket.Conn) {
		conn.Read(ctx)
	})

	s := connect(t, srv, realtime.SessionConfig{})
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	msg := nextMessage(t, s)
	if msg.Kind != realtime.KindClosed {
		t.Fatalf("got %v, want closed", msg.Kind)
	}
	if msg.Err != nil {
		t.Errorf("clean close should carry no error, got %v", msg.Err)
	}
	if _, ok := <-s.Messages(); ok {
		t.Error("channel should be closed after the final message")
	}
}

func TestRemoteCloseEmitsClosedWithError(t *testing.T) {
	t.Parallel()
	srv := startRealtimeServer(t, func(ctx context.Context, conn *websocket.Conn) {
		conn.Close(websocket.StatusGoingAway, "session expired")
	})

	s := connect(t, srv, realtime.SessionConfig{})

	msg := nextMessage(t, s)
	if msg.Kind != realtime.KindClosed {
		t.Fatalf("got %v, want closed", msg.Kind)
	}
	if msg.Err == nil {
		t.Error("remote close should carry an error")
	}
	if err := s.SendAudio([]byte{1}); err == nil {
		t.Error("send after close should fail")
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	p, err := openai.New("test-key")
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	caps := p.Capabilities()
	if caps.MaxSessionDuration != 30*time.Minute {
		t.Errorf("max session duration: got %v", caps.MaxSessionDuration)
	}
	if len(caps.Voices) == 0 {
		t.Error("expected at least one voice")
	}
}
