// Package capture pumps microphone frames into the uplink: device frames
// are fed to the level meter, encoded, and handed to a send function.
//
// Frames that arrive before the uplink is ready are dropped, not buffered.
// Buffering would replay stale room noise at the model the moment the
// session opens; the drop is counted so it stays observable.
package capture

import (
	"log/slog"
	"sync"

	"github.com/parley-voice/parley/pkg/audio/codec"
	"github.com/parley-voice/parley/pkg/audio/device"
)

// Option configures a [Pipeline] during construction.
type Option func(*Pipeline)

// WithReadyFunc sets the uplink readiness probe. When it returns false,
// captured frames are dropped. A nil probe means always ready.
func WithReadyFunc(ready func() bool) Option {
	return func(p *Pipeline) {
		p.ready = ready
	}
}

// WithFrameTap registers a callback receiving the raw PCM of every captured
// frame, ready or not. Used to feed the level meter and the recorder.
func WithFrameTap(tap func(pcm []byte)) Option {
	return func(p *Pipeline) {
		p.onFrame = tap
	}
}

// WithDropHook registers a callback invoked once per frame dropped before
// the uplink was ready. Used for the drop counter metric.
func WithDropHook(hook func()) Option {
	return func(p *Pipeline) {
		p.onDrop = hook
	}
}

// Pipeline forwards frames from an input device to the uplink until the
// device stream ends or Stop is called.
type Pipeline struct {
	input device.Input
	enc   codec.Encoder
	send  func(chunk []byte) error

	ready   func() bool
	onFrame func(pcm []byte)
	onDrop  func()

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Pipeline reading from input, encoding with enc, and
// delivering encoded chunks to send. The pipeline starts immediately; call
// [Pipeline.Stop] to halt it and close the device.
func New(input device.Input, enc codec.Encoder, send func(chunk []byte) error, opts ...Option) *Pipeline {
	p := &Pipeline{
		input: input,
		enc:   enc,
		send:  send,
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *Pipeline) run() {
	defer p.wg.Done()
	defer close(p.done)

	for frame := range p.input.Frames() {
		// The meter sees every frame so the user-level indicator works even
		// while the session is still connecting.
		if p.onFrame != nil {
			p.onFrame(frame.Data)
		}

		if p.ready != nil && !p.ready() {
			if p.onDrop != nil {
				p.onDrop()
			}
			continue
		}

		chunks, err := p.enc.Encode(frame.Data)
		if err != nil {
			// One bad frame is not worth the stream.
			slog.Warn("capture: encode failed, skipping frame", "error", err)
			continue
		}
		for _, chunk := range chunks {
			if err := p.send(chunk); err != nil {
				slog.Warn("capture: uplink send failed, skipping frame", "error", err)
				break
			}
		}
	}
}

// Done returns a channel closed when the pipeline has exited, either via
// Stop or because the device stream ended on its own.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Err reports why the device stream ended; nil after a clean Stop.
func (p *Pipeline) Err() error {
	return p.input.Err()
}

// Stop closes the input device and waits for the forwarding goroutine to
// drain. Safe to call more than once.
func (p *Pipeline) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		err = p.input.Close()
		p.wg.Wait()
	})
	return err
}
