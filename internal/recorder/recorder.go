// Package recorder persists both directions of a call to a compressed
// recording file.
//
// The recorder implements the call's audio tap: the microphone direction
// arrives as 16 kHz mono PCM, the model direction as 24 kHz mono PCM. Both are
// converted to 48 kHz stereo, encoded to Opus, and written as length-prefixed
// packets tagged with their stream so a reader can reconstruct either side.
//
// File layout:
//
//	8 bytes  magic "PARLEYR1"
//	repeated packets:
//	  1 byte   stream  (0x01 user, 0x02 model)
//	  4 bytes  big-endian payload length
//	  N bytes  Opus packet
package recorder

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/parley-voice/parley/pkg/audio"
	"github.com/parley-voice/parley/pkg/audio/codec"
)

// Magic identifies a recording file.
const Magic = "PARLEYR1"

// Stream identifiers in the packet header.
const (
	StreamUser  byte = 0x01
	StreamModel byte = 0x02
)

// Recorder encodes and writes both call directions. It implements the call
// audio tap (User/Model). Safe for concurrent use; the capture pipeline and
// the session dispatch goroutine tap from different goroutines.
type Recorder struct {
	mu     sync.Mutex
	buf    *bufio.Writer
	closer io.Closer

	userConv  audio.FormatConverter
	modelConv audio.FormatConverter
	userEnc   codec.Encoder
	modelEnc  codec.Encoder

	userRate  int
	modelRate int

	closed  bool
	failed  bool
	lastErr error
}

// Option is a functional option for the recorder constructors.
type Option func(*config)

type config struct {
	newEncoder func() (codec.Encoder, error)
	userRate   int
	modelRate  int
}

// WithEncoderFactory overrides how per-stream encoders are built.
// The default creates Opus encoders; tests inject cgo-free encoders.
func WithEncoderFactory(fn func() (codec.Encoder, error)) Option {
	return func(c *config) { c.newEncoder = fn }
}

// WithSampleRates overrides the expected input rates of the two directions.
// Defaults: 16 kHz user, 24 kHz model.
func WithSampleRates(user, model int) Option {
	return func(c *config) {
		c.userRate = user
		c.modelRate = model
	}
}

// New creates a recording file at path, truncating any existing file, and
// returns a Recorder writing to it.
func New(path string, opts ...Option) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recorder: create %s: %w", path, err)
	}
	r, err := NewWriter(f, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewWriter returns a Recorder writing the recording stream to w. The file
// header is written immediately. Close does not close w unless the Recorder
// was built with [New].
func NewWriter(w io.Writer, opts ...Option) (*Recorder, error) {
	cfg := config{
		newEncoder: func() (codec.Encoder, error) { return codec.NewOpusEncoder() },
		userRate:   audio.CaptureSampleRate,
		modelRate:  audio.PlaybackSampleRate,
	}
	for _, o := range opts {
		o(&cfg)
	}

	userEnc, err := cfg.newEncoder()
	if err != nil {
		return nil, fmt.Errorf("recorder: user encoder: %w", err)
	}
	modelEnc, err := cfg.newEncoder()
	if err != nil {
		return nil, fmt.Errorf("recorder: model encoder: %w", err)
	}

	target := audio.Format{SampleRate: codec.OpusSampleRate, Channels: codec.OpusChannels}
	r := &Recorder{
		buf:       bufio.NewWriter(w),
		userConv:  audio.FormatConverter{Target: target},
		modelConv: audio.FormatConverter{Target: target},
		userEnc:   userEnc,
		modelEnc:  modelEnc,
		userRate:  cfg.userRate,
		modelRate: cfg.modelRate,
	}

	if _, err := r.buf.WriteString(Magic); err != nil {
		return nil, fmt.Errorf("recorder: write header: %w", err)
	}
	return r, nil
}

// User records a microphone PCM chunk.
func (r *Recorder) User(pcm []byte) {
	r.record(StreamUser, pcm)
}

// Model records a model-audio PCM chunk.
func (r *Recorder) Model(pcm []byte) {
	r.record(StreamModel, pcm)
}

// record converts, encodes and writes one chunk for the given stream.
// After the first write or encode failure the recorder disables itself;
// a broken recording must never take the call down with it.
func (r *Recorder) record(stream byte, pcm []byte) {
	if len(pcm) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.failed {
		return
	}

	conv, enc, rate := &r.userConv, r.userEnc, r.userRate
	if stream == StreamModel {
		conv, enc, rate = &r.modelConv, r.modelEnc, r.modelRate
	}

	frame := conv.Convert(audio.Frame{Data: pcm, SampleRate: rate, Channels: 1})
	if len(frame.Data) == 0 {
		return
	}

	packets, err := enc.Encode(frame.Data)
	if err != nil {
		r.fail(fmt.Errorf("recorder: encode: %w", err))
		return
	}
	if err := r.writePackets(stream, packets); err != nil {
		r.fail(err)
	}
}

// writePackets writes length-prefixed packets. Must be called with r.mu held.
func (r *Recorder) writePackets(stream byte, packets [][]byte) error {
	var hdr [5]byte
	for _, p := range packets {
		hdr[0] = stream
		binary.BigEndian.PutUint32(hdr[1:], uint32(len(p)))
		if _, err := r.buf.Write(hdr[:]); err != nil {
			return fmt.Errorf("recorder: write packet header: %w", err)
		}
		if _, err := r.buf.Write(p); err != nil {
			return fmt.Errorf("recorder: write packet: %w", err)
		}
	}
	return nil
}

// fail disables the recorder after an unrecoverable error. Must be called
// with r.mu held.
func (r *Recorder) fail(err error) {
	r.failed = true
	r.lastErr = err
	slog.Warn("recording disabled", "error", err)
}

// Close flushes both encoders' partial frames, drains buffered output, and
// closes the underlying file when the Recorder owns it. Safe to call more
// than once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return r.lastErr
	}
	r.closed = true

	var errs []error
	if r.lastErr != nil {
		errs = append(errs, r.lastErr)
	}

	if !r.failed {
		for _, s := range []struct {
			stream byte
			enc    codec.Encoder
		}{
			{StreamUser, r.userEnc},
			{StreamModel, r.modelEnc},
		} {
			packets, err := s.enc.Flush()
			if err != nil {
				errs = append(errs, fmt.Errorf("recorder: flush: %w", err))
				continue
			}
			if err := r.writePackets(s.stream, packets); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if err := r.buf.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("recorder: flush output: %w", err))
	}
	if r.closer != nil {
		if err := r.closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("recorder: close file: %w", err))
		}
	}

	r.lastErr = errors.Join(errs...)
	return r.lastErr
}
