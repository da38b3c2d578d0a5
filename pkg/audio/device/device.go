// Package device defines the interfaces for local audio endpoints: the
// microphone input the capture pipeline reads from and the speaker output
// the playback scheduler writes to.
//
// Implementations of these interfaces are provided by backend-specific
// files in this package (ffmpeg/ffplay subprocesses) and by the mock
// subpackage for tests. The interfaces are intentionally narrow so the
// pipeline stays decoupled from how audio reaches the hardware.
package device

import (
	"errors"

	"github.com/parley-voice/parley/pkg/audio"
)

// ErrPermissionDenied indicates the operating system refused access to the
// requested capture device. Callers surface this to the user instead of
// retrying: retrying cannot succeed until permission is granted.
var ErrPermissionDenied = errors.New("device: permission denied")

// Input is an open capture device delivering fixed-size PCM frames.
//
// The Frames channel is closed when the device stops, either via Close or
// because the underlying source failed. After the channel closes, Err
// reports the terminal error, if any.
//
// Implementations must be safe for concurrent use.
type Input interface {
	// Frames returns the channel of captured frames. The channel is owned by
	// the device and closed exactly once on termination.
	Frames() <-chan audio.Frame

	// Err returns the error that terminated the stream, or nil after a clean
	// Close. Only valid once Frames has been closed.
	Err() error

	// Close stops capture and releases the device. Safe to call more than
	// once; subsequent calls are no-ops and return nil.
	Close() error
}

// Output is an open playback device accepting raw PCM writes.
//
// Implementations must be safe for concurrent use.
type Output interface {
	// Write submits PCM bytes in the device's configured format. Write may
	// block briefly while the device drains but must not block indefinitely.
	Write(pcm []byte) error

	// Discard throws away any audio the device has buffered but not yet
	// rendered. Used on barge-in so playback stops immediately rather than
	// after the buffer empties.
	Discard() error

	// Close releases the device. Safe to call more than once.
	Close() error
}
