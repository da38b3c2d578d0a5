// Package audio provides the core audio types and sample-level helpers shared
// by the capture, playback, metering, and recording layers.
//
// All PCM data in this module is little-endian signed 16-bit ("s16le") unless
// a function documents otherwise. Frames are the atomic unit of transport:
// captured from an input device, encoded for the uplink, decoded from the
// session, and scheduled for playback.
package audio

import "time"

// Default stream parameters. The uplink consumes 16 kHz mono; realtime
// providers emit 24 kHz mono model audio.
const (
	// CaptureSampleRate is the sample rate of microphone frames sent to the
	// remote session.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the sample rate of model audio received from the
	// remote session.
	PlaybackSampleRate = 24000

	// CaptureFrameSamples is the number of samples per captured frame.
	CaptureFrameSamples = 4096
)

// Frame represents a single frame of PCM audio flowing through the pipeline.
type Frame struct {
	// Data is little-endian int16 PCM. Sample rate and channel count are
	// carried alongside so downstream stages never have to guess.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for capture, 24000 for model audio).
	SampleRate int

	// Channels: 1 for mono capture, 2 for stereo recording output.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback duration of the frame's PCM data.
func (f Frame) Duration() time.Duration {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}.Duration(len(f.Data))
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond returns the raw PCM byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration returns the playback duration of n bytes of PCM in this format.
// A zero or negative format yields zero.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// BytesFor returns the number of PCM bytes covering duration d in this
// format, rounded down to a whole sample boundary.
func (f Format) BytesFor(d time.Duration) int {
	bps := f.BytesPerSecond()
	if bps <= 0 || d <= 0 {
		return 0
	}
	n := int(int64(d) * int64(bps) / int64(time.Second))
	// Align to a whole interleaved sample.
	step := f.Channels * 2
	if step > 0 {
		n -= n % step
	}
	return n
}

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
