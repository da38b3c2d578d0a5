// Package mock provides scriptable realtime.Provider and realtime.Session
// implementations for testing session consumers without a live backend.
package mock

import (
	"context"
	"sync"

	"github.com/parley-voice/parley/pkg/provider/realtime"
)

// Provider is a mock implementation of [realtime.Provider]. Configure the
// exported fields before use; zero value connects successfully and hands out
// a fresh [Session].
type Provider struct {
	mu sync.Mutex

	// ConnectError, when set, is returned by Connect instead of a session.
	ConnectError error

	// Session, when set, is returned by Connect instead of a fresh one.
	Session *Session

	// CapabilitiesResult is returned by Capabilities.
	CapabilitiesResult realtime.Capabilities

	// CallCountConnect tracks Connect invocations.
	CallCountConnect int

	// LastConfig records the SessionConfig of the most recent Connect.
	LastConfig realtime.SessionConfig

	// Sessions collects every session handed out by Connect.
	Sessions []*Session
}

var _ realtime.Provider = (*Provider)(nil)

// Connect implements [realtime.Provider].
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountConnect++
	p.LastConfig = cfg
	if p.ConnectError != nil {
		return nil, p.ConnectError
	}
	s := p.Session
	if s == nil {
		s = NewSession()
	}
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// Capabilities implements [realtime.Provider].
func (p *Provider) Capabilities() realtime.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CapabilitiesResult
}

// Session is a mock implementation of [realtime.Session]. Tests drive the
// inbound side with Emit and Finish, and inspect the outbound side through
// SentAudio and SentTexts.
type Session struct {
	mu sync.Mutex

	// SendAudioError, when set, is returned by SendAudio.
	SendAudioError error

	// SendTextError, when set, is returned by SendText.
	SendTextError error

	// CallCountClose tracks Close invocations.
	CallCountClose int

	sentAudio [][]byte
	sentTexts []string

	messages chan realtime.Message
	once     sync.Once
}

var _ realtime.Session = (*Session)(nil)

// NewSession creates a mock session with a buffered message stream.
func NewSession() *Session {
	return &Session{messages: make(chan realtime.Message, 64)}
}

// Emit scripts one inbound message.
func (s *Session) Emit(msg realtime.Message) {
	s.messages <- msg
}

// Finish emits the final KindClosed message (carrying err, which may be nil)
// and closes the stream. Safe to call more than once.
func (s *Session) Finish(err error) {
	s.once.Do(func() {
		s.messages <- realtime.Message{Kind: realtime.KindClosed, Err: err}
		close(s.messages)
	})
}

// SendAudio implements [realtime.Session].
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendAudioError != nil {
		return s.SendAudioError
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	s.sentAudio = append(s.sentAudio, buf)
	return nil
}

// SendText implements [realtime.Session].
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendTextError != nil {
		return s.SendTextError
	}
	s.sentTexts = append(s.sentTexts, text)
	return nil
}

// Messages implements [realtime.Session].
func (s *Session) Messages() <-chan realtime.Message {
	return s.messages
}

// Close implements [realtime.Session]. It finishes the stream cleanly, the
// way a real session does on local close.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	s.mu.Unlock()
	s.Finish(nil)
	return nil
}

// SentAudio returns a copy of every chunk passed to SendAudio.
func (s *Session) SentAudio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sentAudio))
	copy(out, s.sentAudio)
	return out
}

// SentTexts returns a copy of every prompt passed to SendText.
func (s *Session) SentTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sentTexts))
	copy(out, s.sentTexts)
	return out
}

// CloseCount returns how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}
