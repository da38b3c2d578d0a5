package device

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/parley-voice/parley/pkg/audio"
)

// startupProbe is how long OpenInput waits for either the first captured
// frame or an early process exit before handing the device to the caller.
const startupProbe = 2 * time.Second

// InputConfig configures an ffmpeg-backed capture device.
type InputConfig struct {
	// Backend is the ffmpeg input format, e.g. "pulse", "alsa" or
	// "avfoundation". Defaults to "pulse".
	Backend string

	// Source is the backend-specific device name. Defaults to "default".
	Source string

	// SampleRate of the captured mono stream. Defaults to
	// [audio.CaptureSampleRate].
	SampleRate int

	// FrameSamples is the number of samples per emitted frame. Defaults to
	// [audio.CaptureFrameSamples].
	FrameSamples int
}

func (c *InputConfig) applyDefaults() {
	if c.Backend == "" {
		c.Backend = "pulse"
	}
	if c.Source == "" {
		c.Source = "default"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = audio.CaptureSampleRate
	}
	if c.FrameSamples <= 0 {
		c.FrameSamples = audio.CaptureFrameSamples
	}
}

// ExecInput captures microphone audio by running an ffmpeg subprocess that
// writes s16le mono PCM to its stdout.
type ExecInput struct {
	cfg    InputConfig
	cmd    *exec.Cmd
	stderr bytes.Buffer

	frames chan audio.Frame
	ready  chan struct{} // closed after the first full frame
	done   chan struct{} // closed when the read loop exits

	mu        sync.Mutex
	err       error
	closing   bool
	closeOnce sync.Once
}

var _ Input = (*ExecInput)(nil)

// OpenInput starts the capture subprocess and blocks until the first frame
// arrives or the process terminates early. A refused device surfaces as
// [ErrPermissionDenied].
func OpenInput(cfg InputConfig) (*ExecInput, error) {
	cfg.applyDefaults()

	in := &ExecInput{
		cfg:    cfg,
		frames: make(chan audio.Frame, 8),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}

	in.cmd = exec.Command("ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-f", cfg.Backend,
		"-i", cfg.Source,
		"-f", "s16le",
		"-ac", "1",
		"-ar", fmt.Sprintf("%d", cfg.SampleRate),
		"pipe:1",
	)
	in.cmd.Stderr = &in.stderr

	stdout, err := in.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("device: stdout pipe: %w", err)
	}
	if err := in.cmd.Start(); err != nil {
		return nil, fmt.Errorf("device: start ffmpeg: %w", err)
	}

	go in.readLoop(stdout)

	select {
	case <-in.ready:
		return in, nil
	case <-in.done:
		return nil, in.Err()
	case <-time.After(startupProbe):
		// Quiet room or slow device init; the stream is healthy enough.
		return in, nil
	}
}

// readLoop reads fixed-size frames from the ffmpeg stdout until the stream
// ends, then records the terminal error and closes the frame channel.
func (in *ExecInput) readLoop(stdout io.Reader) {
	defer close(in.done)
	defer close(in.frames)

	frameBytes := in.cfg.FrameSamples * 2
	var elapsed time.Duration
	frameDur := audio.Format{SampleRate: in.cfg.SampleRate, Channels: 1}.Duration(frameBytes)

	first := true
	for {
		buf := make([]byte, frameBytes)
		if _, err := io.ReadFull(stdout, buf); err != nil {
			in.finish(err)
			return
		}
		if first {
			first = false
			close(in.ready)
		}
		in.frames <- audio.Frame{
			Data:       buf,
			SampleRate: in.cfg.SampleRate,
			Channels:   1,
			Timestamp:  elapsed,
		}
		elapsed += frameDur
	}
}

// finish waits for the subprocess and records the terminal error, mapping a
// refused device to ErrPermissionDenied. A read error after Close is a
// normal shutdown and recorded as nil.
func (in *ExecInput) finish(readErr error) {
	waitErr := in.cmd.Wait()

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closing {
		return
	}
	detail := strings.TrimSpace(in.stderr.String())
	if isPermissionDetail(detail) {
		in.err = fmt.Errorf("%w: %s", ErrPermissionDenied, detail)
		return
	}
	switch {
	case detail != "":
		in.err = fmt.Errorf("device: capture stopped: %s", detail)
	case waitErr != nil:
		in.err = fmt.Errorf("device: capture stopped: %w", waitErr)
	default:
		in.err = fmt.Errorf("device: capture stopped: %w", readErr)
	}
}

// isPermissionDetail reports whether subprocess stderr output indicates the
// OS refused device access.
func isPermissionDetail(detail string) bool {
	lower := strings.ToLower(detail)
	return strings.Contains(lower, "permission denied") ||
		strings.Contains(lower, "operation not permitted") ||
		strings.Contains(lower, "access denied")
}

// Frames implements [Input].
func (in *ExecInput) Frames() <-chan audio.Frame {
	return in.frames
}

// Err implements [Input].
func (in *ExecInput) Err() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.err
}

// Close implements [Input]. It kills the subprocess; the read loop observes
// the closed pipe and shuts the frame channel.
func (in *ExecInput) Close() error {
	in.closeOnce.Do(func() {
		in.mu.Lock()
		in.closing = true
		in.mu.Unlock()
		if in.cmd.Process != nil {
			_ = in.cmd.Process.Kill()
		}
		// The read loop may be mid-send to a consumer that already went
		// away. Swallow whatever is left so it can observe the dead pipe and
		// exit; the drain goroutine ends when the loop closes the channel.
		go audio.Drain(in.frames)
		<-in.done
	})
	return nil
}

// OutputConfig configures an ffplay-backed playback device.
type OutputConfig struct {
	// Format of the PCM stream written to the device.
	Format audio.Format
}

// ExecOutput plays PCM by streaming it to an ffplay subprocess over stdin.
// Discard kills and restarts the subprocess, which is the only reliable way
// to drop audio ffplay has already buffered toward the sound card.
type ExecOutput struct {
	format audio.Format

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool
}

var _ Output = (*ExecOutput)(nil)

// OpenOutput starts the playback subprocess.
func OpenOutput(cfg OutputConfig) (*ExecOutput, error) {
	if cfg.Format.SampleRate <= 0 {
		cfg.Format.SampleRate = audio.PlaybackSampleRate
	}
	if cfg.Format.Channels <= 0 {
		cfg.Format.Channels = 1
	}
	o := &ExecOutput{format: cfg.Format}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.startLocked(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *ExecOutput) startLocked() error {
	layout := "mono"
	if o.format.Channels == 2 {
		layout = "stereo"
	}
	cmd := exec.Command("ffplay",
		"-hide_banner", "-loglevel", "error",
		"-nodisp", "-autoexit",
		"-f", "s16le",
		"-ch_layout", layout,
		"-ar", fmt.Sprintf("%d", o.format.SampleRate),
		"-i", "-",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("device: stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("device: start ffplay: %w", err)
	}
	o.cmd = cmd
	o.stdin = stdin
	return nil
}

func (o *ExecOutput) stopLocked() {
	if o.cmd == nil {
		return
	}
	_ = o.stdin.Close()
	if o.cmd.Process != nil {
		_ = o.cmd.Process.Kill()
	}
	_ = o.cmd.Wait()
	o.cmd = nil
	o.stdin = nil
}

// Write implements [Output].
func (o *ExecOutput) Write(pcm []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return fmt.Errorf("device: output closed")
	}
	if o.stdin == nil {
		return fmt.Errorf("device: output not running")
	}
	if _, err := o.stdin.Write(pcm); err != nil {
		return fmt.Errorf("device: write pcm: %w", err)
	}
	return nil
}

// Discard implements [Output] by restarting the subprocess, dropping
// everything buffered between us and the sound card.
func (o *ExecOutput) Discard() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.stopLocked()
	if err := o.startLocked(); err != nil {
		slog.Error("audio output restart failed after discard", "error", err)
		return err
	}
	return nil
}

// Close implements [Output].
func (o *ExecOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	o.stopLocked()
	return nil
}
