package recorder_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/parley-voice/parley/internal/recorder"
	"github.com/parley-voice/parley/pkg/audio"
	"github.com/parley-voice/parley/pkg/audio/codec"
)

// pcmFactory builds pass-through encoders so tests run without cgo.
func pcmFactory() (codec.Encoder, error) {
	return codec.PCM16Encoder{}, nil
}

// packet is one decoded recording packet.
type packet struct {
	stream  byte
	payload []byte
}

// parseRecording validates the header and splits the stream into packets.
func parseRecording(t *testing.T, data []byte) []packet {
	t.Helper()
	if len(data) < len(recorder.Magic) {
		t.Fatalf("recording too short: %d bytes", len(data))
	}
	if string(data[:len(recorder.Magic)]) != recorder.Magic {
		t.Fatalf("bad magic: %q", data[:len(recorder.Magic)])
	}
	rest := data[len(recorder.Magic):]

	var packets []packet
	for len(rest) > 0 {
		if len(rest) < 5 {
			t.Fatalf("truncated packet header: %d bytes left", len(rest))
		}
		stream := rest[0]
		n := binary.BigEndian.Uint32(rest[1:5])
		rest = rest[5:]
		if uint32(len(rest)) < n {
			t.Fatalf("truncated packet payload: want %d, have %d", n, len(rest))
		}
		packets = append(packets, packet{stream: stream, payload: rest[:n]})
		rest = rest[n:]
	}
	return packets
}

// monoPCM builds n little-endian int16 samples of a constant value.
func monoPCM(n int, value int16) []byte {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = value
	}
	return audio.Int16sToBytes(samples)
}

func TestRecorderWritesHeader(t *testing.T) {
	var buf bytes.Buffer
	rec, err := recorder.NewWriter(&buf, recorder.WithEncoderFactory(pcmFactory))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := parseRecording(t, buf.Bytes()); len(got) != 0 {
		t.Fatalf("empty recording should contain no packets, got %d", len(got))
	}
}

func TestRecorderTagsDirections(t *testing.T) {
	var buf bytes.Buffer
	rec, err := recorder.NewWriter(&buf, recorder.WithEncoderFactory(pcmFactory))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	rec.User(monoPCM(1600, 100))   // 100 ms of 16 kHz mic audio
	rec.Model(monoPCM(2400, -100)) // 100 ms of 24 kHz model audio
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	packets := parseRecording(t, buf.Bytes())
	if len(packets) != 2 {
		t.Fatalf("packets: want 2, got %d", len(packets))
	}
	if packets[0].stream != recorder.StreamUser {
		t.Errorf("packet[0].stream = %#x, want user", packets[0].stream)
	}
	if packets[1].stream != recorder.StreamModel {
		t.Errorf("packet[1].stream = %#x, want model", packets[1].stream)
	}

	// Both directions land at 48 kHz stereo: 100 ms is 4800 frames, 2 channels,
	// 2 bytes per sample.
	const want = 4800 * 2 * 2
	for i, p := range packets {
		if len(p.payload) != want {
			t.Errorf("packet[%d] payload = %d bytes, want %d", i, len(p.payload), want)
		}
	}
}

func TestRecorderCloseFlushesEncoders(t *testing.T) {
	var buf bytes.Buffer
	rec, err := recorder.NewWriter(&buf,
		recorder.WithEncoderFactory(func() (codec.Encoder, error) {
			return &bufferingEncoder{}, nil
		}))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	rec.User(monoPCM(160, 1))
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	packets := parseRecording(t, buf.Bytes())
	if len(packets) != 1 {
		t.Fatalf("packets: want 1 flushed packet, got %d", len(packets))
	}
	if packets[0].stream != recorder.StreamUser {
		t.Errorf("flushed packet stream = %#x, want user", packets[0].stream)
	}
}

func TestRecorderIgnoresWritesAfterClose(t *testing.T) {
	var buf bytes.Buffer
	rec, err := recorder.NewWriter(&buf, recorder.WithEncoderFactory(pcmFactory))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rec.User(monoPCM(1600, 5))
	rec.Model(monoPCM(2400, 5))
	if err := rec.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if got := parseRecording(t, buf.Bytes()); len(got) != 0 {
		t.Fatalf("writes after close should be dropped, got %d packets", len(got))
	}
}

func TestRecorderDisablesAfterEncodeFailure(t *testing.T) {
	var buf bytes.Buffer
	rec, err := recorder.NewWriter(&buf,
		recorder.WithEncoderFactory(func() (codec.Encoder, error) {
			return &failingEncoder{}, nil
		}))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	// Must not panic; the recorder goes quiet instead.
	rec.User(monoPCM(1600, 1))
	rec.User(monoPCM(1600, 1))

	if err := rec.Close(); err == nil {
		t.Fatal("Close should surface the encode failure")
	}
}

func TestRecorderConcurrentTaps(t *testing.T) {
	var buf syncBuffer
	rec, err := recorder.NewWriter(&buf, recorder.WithEncoderFactory(pcmFactory))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				rec.User(monoPCM(160, 1))
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				rec.Model(monoPCM(240, 2))
			}
		}()
	}
	wg.Wait()
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	packets := parseRecording(t, buf.Bytes())
	if len(packets) != 80 {
		t.Fatalf("packets: want 80, got %d", len(packets))
	}
	for i, p := range packets {
		if p.stream != recorder.StreamUser && p.stream != recorder.StreamModel {
			t.Fatalf("packet[%d] has unknown stream %#x", i, p.stream)
		}
	}
}

func TestRecorderFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "call.rec")
	rec, err := recorder.New(path, recorder.WithEncoderFactory(pcmFactory))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec.User(monoPCM(1600, 7))
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	packets := parseRecording(t, data)
	if len(packets) != 1 {
		t.Fatalf("packets: want 1, got %d", len(packets))
	}
}

// bufferingEncoder holds all input until Flush, mimicking a codec that needs
// a full frame before it can emit.
type bufferingEncoder struct {
	pending []byte
}

func (e *bufferingEncoder) Encode(pcm []byte) ([][]byte, error) {
	e.pending = append(e.pending, pcm...)
	return nil, nil
}

func (e *bufferingEncoder) Flush() ([][]byte, error) {
	if len(e.pending) == 0 {
		return nil, nil
	}
	out := e.pending
	e.pending = nil
	return [][]byte{out}, nil
}

func (e *bufferingEncoder) Encoding() codec.Encoding { return codec.Opus }

// failingEncoder always errors.
type failingEncoder struct{}

func (failingEncoder) Encode([]byte) ([][]byte, error) {
	return nil, errors.New("encoder broken")
}
func (failingEncoder) Flush() ([][]byte, error) { return nil, errors.New("encoder broken") }
func (failingEncoder) Encoding() codec.Encoding { return codec.Opus }

// syncBuffer is a goroutine-safe bytes.Buffer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Bytes()
}

var _ io.Writer = (*syncBuffer)(nil)
