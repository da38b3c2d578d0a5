package codec

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/parley-voice/parley/pkg/audio"
)

// Opus recordings use 48 kHz stereo at 20 ms frame size.
const (
	OpusSampleRate  = 48000
	OpusChannels    = 2
	opusFrameSizeMs = 20
	// OpusFrameSize is the number of samples per channel per 20 ms frame.
	OpusFrameSize = OpusSampleRate * opusFrameSizeMs / 1000 // 960

	// maxOpusPacket is the output allowance per encoded packet.
	maxOpusPacket = 4000
)

// packetEncoder is the subset of *gopus.Encoder the packetizer needs,
// extracted so framing logic is testable without cgo.
type packetEncoder interface {
	Encode(pcm []int16, frameSize, maxDataBytes int) ([]byte, error)
}

// OpusEncoder packetizes a 48 kHz stereo PCM stream into 20 ms Opus packets.
// Partial frames accumulate across Encode calls; Flush pads the remainder
// with silence and emits the final packet.
type OpusEncoder struct {
	enc     packetEncoder
	pending []int16
}

var _ Encoder = (*OpusEncoder)(nil)

// NewOpusEncoder creates an encoder configured for recording audio.
func NewOpusEncoder() (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(OpusSampleRate, OpusChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus encoder: %w", err)
	}
	return &OpusEncoder{enc: enc}, nil
}

// newOpusEncoderWith injects a packetEncoder; used by tests.
func newOpusEncoderWith(enc packetEncoder) *OpusEncoder {
	return &OpusEncoder{enc: enc}
}

// frameSamples is the interleaved sample count of one full Opus frame.
func frameSamples() int {
	return OpusFrameSize * OpusChannels
}

// Encode implements [Encoder]. Input must be 48 kHz stereo s16le.
func (e *OpusEncoder) Encode(pcm []byte) ([][]byte, error) {
	e.pending = append(e.pending, audio.BytesToInt16s(pcm)...)

	var packets [][]byte
	for len(e.pending) >= frameSamples() {
		frame := e.pending[:frameSamples()]
		packet, err := e.enc.Encode(frame, OpusFrameSize, maxOpusPacket)
		if err != nil {
			return packets, fmt.Errorf("codec: opus encode: %w", err)
		}
		packets = append(packets, packet)
		e.pending = e.pending[frameSamples():]
	}
	return packets, nil
}

// Flush implements [Encoder]. The buffered partial frame, if any, is padded
// to a full 20 ms with silence and emitted.
func (e *OpusEncoder) Flush() ([][]byte, error) {
	if len(e.pending) == 0 {
		return nil, nil
	}
	frame := make([]int16, frameSamples())
	copy(frame, e.pending)
	e.pending = e.pending[:0]

	packet, err := e.enc.Encode(frame, OpusFrameSize, maxOpusPacket)
	if err != nil {
		return nil, fmt.Errorf("codec: opus flush: %w", err)
	}
	return [][]byte{packet}, nil
}

// Encoding implements [Encoder].
func (e *OpusEncoder) Encoding() Encoding {
	return Opus
}
