// Package codec provides encoders that turn raw PCM into the byte format a
// consumer expects: pass-through PCM16 for the realtime uplink and
// packetized Opus for the session recorder.
package codec

// Encoding identifies the wire format produced by an [Encoder].
type Encoding string

const (
	// PCM16 is raw little-endian int16 PCM, the format the realtime
	// providers consume.
	PCM16 Encoding = "pcm16"

	// Opus is packetized Opus, used for compressed session recordings.
	Opus Encoding = "opus"
)

// Encoder converts PCM payloads into zero or more encoded chunks. An input
// smaller than the codec's frame size may yield no chunks until enough data
// has accumulated.
//
// Encoders carry per-stream state and are NOT safe for concurrent use;
// create one per stream.
type Encoder interface {
	// Encode consumes little-endian int16 PCM and returns the complete
	// encoded chunks it produced.
	Encode(pcm []byte) ([][]byte, error)

	// Flush emits any buffered partial frame, padding with silence.
	Flush() ([][]byte, error)

	// Encoding reports the output format.
	Encoding() Encoding
}

// PCM16Encoder passes PCM through unchanged, one chunk per input.
type PCM16Encoder struct{}

var _ Encoder = PCM16Encoder{}

// Encode implements [Encoder].
func (PCM16Encoder) Encode(pcm []byte) ([][]byte, error) {
	if len(pcm) == 0 {
		return nil, nil
	}
	return [][]byte{pcm}, nil
}

// Flush implements [Encoder]. PCM16 buffers nothing.
func (PCM16Encoder) Flush() ([][]byte, error) {
	return nil, nil
}

// Encoding implements [Encoder].
func (PCM16Encoder) Encoding() Encoding {
	return PCM16
}
