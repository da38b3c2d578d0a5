package codec

import (
	"testing"

	"github.com/parley-voice/parley/pkg/audio"
)

// fakePacketEncoder records each frame it is asked to encode and returns a
// marker packet, so packetizer framing can be tested without libopus.
type fakePacketEncoder struct {
	frames [][]int16
}

func (f *fakePacketEncoder) Encode(pcm []int16, frameSize, maxDataBytes int) ([]byte, error) {
	frame := make([]int16, len(pcm))
	copy(frame, pcm)
	f.frames = append(f.frames, frame)
	return []byte{byte(len(f.frames))}, nil
}

func TestPCM16PassThrough(t *testing.T) {
	t.Parallel()
	enc := PCM16Encoder{}

	in := []byte{1, 2, 3, 4}
	out, err := enc.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(out) != 1 || len(out[0]) != 4 {
		t.Fatalf("expected one 4-byte chunk, got %v", out)
	}

	out, err = enc.Encode(nil)
	if err != nil {
		t.Fatalf("encode empty: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected no chunks for empty input, got %d", len(out))
	}

	if enc.Encoding() != PCM16 {
		t.Errorf("encoding: got %q, want %q", enc.Encoding(), PCM16)
	}
}

func TestOpusPacketizerExactFrames(t *testing.T) {
	t.Parallel()
	fake := &fakePacketEncoder{}
	enc := newOpusEncoderWith(fake)

	// Exactly two 20ms stereo frames.
	pcm := make([]int16, 2*frameSamples())
	for i := range pcm {
		pcm[i] = int16(i)
	}
	packets, err := enc.Encode(audio.Int16sToBytes(pcm))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("expected 2 packets, got %d", len(packets))
	}
	if len(fake.frames[0]) != frameSamples() {
		t.Errorf("frame 0 size: got %d, want %d", len(fake.frames[0]), frameSamples())
	}
	// Second frame starts where the first ended.
	if fake.frames[1][0] != int16(frameSamples()) {
		t.Errorf("frame 1 first sample: got %d, want %d", fake.frames[1][0], frameSamples())
	}
}

func TestOpusPacketizerAccumulatesPartialFrames(t *testing.T) {
	t.Parallel()
	fake := &fakePacketEncoder{}
	enc := newOpusEncoderWith(fake)

	half := make([]int16, frameSamples()/2)
	packets, err := enc.Encode(audio.Int16sToBytes(half))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(packets) != 0 {
		t.Fatalf("half frame should yield no packets, got %d", len(packets))
	}

	packets, err = enc.Encode(audio.Int16sToBytes(half))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("second half should complete a frame, got %d packets", len(packets))
	}
}

func TestOpusFlushPadsRemainder(t *testing.T) {
	t.Parallel()
	fake := &fakePacketEncoder{}
	enc := newOpusEncoderWith(fake)

	partial := make([]int16, 100)
	for i := range partial {
		partial[i] = 7
	}
	if _, err := enc.Encode(audio.Int16sToBytes(partial)); err != nil {
		t.Fatalf("encode: %v", err)
	}

	packets, err := enc.Flush()
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("expected 1 flushed packet, got %d", len(packets))
	}
	frame := fake.frames[0]
	if len(frame) != frameSamples() {
		t.Fatalf("flushed frame size: got %d, want %d", len(frame), frameSamples())
	}
	if frame[99] != 7 || frame[100] != 0 {
		t.Errorf("flush padding wrong: frame[99]=%d frame[100]=%d", frame[99], frame[100])
	}

	// Nothing left after flush.
	packets, err = enc.Flush()
	if err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if len(packets) != 0 {
		t.Errorf("expected empty second flush, got %d packets", len(packets))
	}
}
