// Package mock provides in-memory mock implementations of the
// [device.Input] and [device.Output] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields that the test can set to control return values.
//
// Typical usage:
//
//	in := mock.NewInput(4)
//	in.Push(frame)
//	in.Finish(nil)
//
//	out := &mock.Output{}
//	sched := playback.New(out, ...)
package mock

import (
	"sync"

	"github.com/parley-voice/parley/pkg/audio"
	"github.com/parley-voice/parley/pkg/audio/device"
)

// ─── Input ────────────────────────────────────────────────────────────────────

// Input is a mock implementation of [device.Input]. Feed it frames with
// Push and terminate the stream with Finish.
type Input struct {
	frames chan audio.Frame

	mu       sync.Mutex
	err      error
	finished bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

var _ device.Input = (*Input)(nil)

// NewInput returns an Input whose frame channel has the given buffer size.
func NewInput(buffer int) *Input {
	return &Input{frames: make(chan audio.Frame, buffer)}
}

// Push delivers a frame to the consumer. Blocks when the buffer is full.
func (in *Input) Push(frame audio.Frame) {
	in.frames <- frame
}

// Finish closes the frame channel and sets the terminal error returned by
// Err. Calling Finish more than once is a no-op.
func (in *Input) Finish(err error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.finished {
		return
	}
	in.finished = true
	in.err = err
	close(in.frames)
}

// Frames implements [device.Input].
func (in *Input) Frames() <-chan audio.Frame {
	return in.frames
}

// Err implements [device.Input].
func (in *Input) Err() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.err
}

// Close implements [device.Input]. It terminates the stream cleanly.
func (in *Input) Close() error {
	in.mu.Lock()
	in.CallCountClose++
	in.mu.Unlock()
	in.Finish(nil)
	return nil
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a mock implementation of [device.Output]. It records every
// write and discard so tests can assert on what reached the device.
type Output struct {
	mu sync.Mutex

	// WriteError, when set, is returned by every subsequent Write.
	WriteError error

	// Writes records the PCM of each Write call in order.
	Writes [][]byte

	// CallCountDiscard records how many times Discard was called.
	CallCountDiscard int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

var _ device.Output = (*Output)(nil)

// Write implements [device.Output]. Records a copy of pcm.
func (o *Output) Write(pcm []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.WriteError != nil {
		return o.WriteError
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	o.Writes = append(o.Writes, buf)
	return nil
}

// Discard implements [device.Output].
func (o *Output) Discard() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountDiscard++
	return nil
}

// Close implements [device.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	return nil
}

// WrittenBytes returns the total number of PCM bytes written so far.
func (o *Output) WrittenBytes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, w := range o.Writes {
		n += len(w)
	}
	return n
}

// Discards returns how many times Discard has been called.
func (o *Output) Discards() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CallCountDiscard
}
