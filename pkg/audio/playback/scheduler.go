// Package playback schedules decoded model audio for gapless playout.
//
// The scheduler maintains a cursor on the stream timeline: each enqueued
// buffer is scheduled to start at max(cursor, now) and the cursor advances
// by the buffer's duration. Back-to-back chunks therefore play seamlessly,
// while a chunk arriving after an idle gap starts immediately instead of in
// the past. A barge-in calls [Scheduler.Interrupt], which drops every queued
// and playing buffer, discards device-buffered audio, and resets the cursor
// to now so the next response starts fresh.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-voice/parley/pkg/audio"
)

// ErrClosed is returned by Enqueue after the scheduler has been closed.
var ErrClosed = errors.New("playback: scheduler closed")

const (
	// defaultSlice is the granularity of sink writes and pacing waits. Small
	// slices keep interrupt latency low; the scheduler stays one slice ahead
	// of the timeline so the device never starves between slices.
	defaultSlice = 20 * time.Millisecond

	// defaultQueueCap is the initial capacity hint for the pending queue.
	defaultQueueCap = 16
)

// Buffer is one decoded chunk of model audio awaiting playout.
type Buffer struct {
	// PCM is little-endian int16 audio data.
	PCM []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels count; zero is treated as mono.
	Channels int
}

// Format returns the PCM format of the buffer.
func (b Buffer) Format() audio.Format {
	ch := b.Channels
	if ch <= 0 {
		ch = 1
	}
	return audio.Format{SampleRate: b.SampleRate, Channels: ch}
}

// Duration returns the playout duration of the buffer.
func (b Buffer) Duration() time.Duration {
	return b.Format().Duration(len(b.PCM))
}

// Sink receives paced PCM writes from the scheduler. [device.Output]
// satisfies Sink.
type Sink interface {
	Write(pcm []byte) error
	Discard() error
}

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithClock substitutes the timeline clock. Intended for tests.
func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithSlice sets the write/pacing granularity. Values below 1ms are ignored.
func WithSlice(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= time.Millisecond {
			s.slice = d
		}
	}
}

// item is a scheduled buffer on the pending queue.
type item struct {
	seq   uint64
	buf   Buffer
	start time.Duration
}

// Scheduler owns the playout timeline. All exported methods are safe for
// concurrent use.
type Scheduler struct {
	sink  Sink
	clock Clock
	slice time.Duration

	mu            sync.Mutex
	cursor        time.Duration
	queue         []*item
	active        map[uint64]struct{} // queued + playing buffers
	playing       *item
	cancelPlaying chan struct{} // closed to interrupt the current buffer
	seq           uint64
	closed        bool

	notify chan struct{} // signalled when a buffer is enqueued
	done   chan struct{} // closed by Close to stop the dispatch goroutine
}

// New creates a Scheduler writing to sink. The scheduler starts a background
// dispatch goroutine immediately; call [Scheduler.Close] to stop it.
func New(sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:   sink,
		clock:  NewWallClock(),
		slice:  defaultSlice,
		queue:  make([]*item, 0, defaultQueueCap),
		active: make(map[uint64]struct{}),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.dispatch()
	return s
}

// Enqueue schedules buf for playout and returns its start offset on the
// timeline. The start is max(cursor, now); the cursor advances by the
// buffer's duration. An empty buffer is accepted but queues nothing and
// leaves the cursor untouched.
func (s *Scheduler) Enqueue(buf Buffer) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	now := s.clock.Now()
	start := s.cursor
	if now > start {
		start = now
	}
	if len(buf.PCM) == 0 {
		return start, nil
	}
	s.cursor = start + buf.Duration()

	s.seq++
	it := &item{seq: s.seq, buf: buf, start: start}
	s.queue = append(s.queue, it)
	s.active[it.seq] = struct{}{}

	// Wake the dispatch goroutine.
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return start, nil
}

// StopAll drops every queued buffer, cancels the one currently playing, and
// discards audio already buffered in the sink. The cursor is left where it
// is; use [Scheduler.Interrupt] for barge-in semantics.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopAllLocked()
}

// Interrupt implements barge-in: StopAll plus a cursor reset to now, so the
// next enqueued buffer starts immediately.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopAllLocked()
	s.cursor = s.clock.Now()
}

// stopAllLocked cancels playback and empties the queue and active set.
// Must be called with s.mu held.
func (s *Scheduler) stopAllLocked() {
	if s.cancelPlaying != nil {
		close(s.cancelPlaying)
		s.cancelPlaying = nil
	}
	s.playing = nil
	s.queue = s.queue[:0]
	clear(s.active)

	if err := s.sink.Discard(); err != nil {
		slog.Warn("playback: sink discard failed", "error", err)
	}
}

// Active returns the number of buffers currently queued or playing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Cursor returns the current schedule cursor: the timeline offset at which
// the next enqueued buffer would start if it arrived before now catches up.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Close stops the dispatch goroutine and drops all pending audio. Close is
// idempotent — subsequent calls are no-ops and return nil.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stopAllLocked()
	s.mu.Unlock()

	close(s.done)
	return nil
}

// dispatch is the background goroutine that plays queued buffers in order.
// It runs until Close is called.
func (s *Scheduler) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			it, cancel, ok := s.dequeue()
			if !ok {
				break
			}
			s.play(it, cancel)
			s.finish(it)
		}
	}
}

// dequeue pops the next buffer and marks it as playing.
// Returns ok=false if the queue is empty.
func (s *Scheduler) dequeue() (_ *item, cancel chan struct{}, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || len(s.queue) == 0 {
		return nil, nil, false
	}
	it := s.queue[0]
	s.queue = s.queue[1:]
	cancel = make(chan struct{})
	s.playing = it
	s.cancelPlaying = cancel
	return it, cancel, true
}

// finish clears the playing state and removes it from the active set after
// natural completion. A cancelled buffer was already removed by
// stopAllLocked; the redundant delete is harmless.
func (s *Scheduler) finish(it *item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playing == it {
		s.playing = nil
		s.cancelPlaying = nil
	}
	delete(s.active, it.seq)
}

// play writes the buffer to the sink in slices, paced against the clock so
// the sink holds at most one slice of lead. Returns early when cancel or
// done closes.
func (s *Scheduler) play(it *item, cancel chan struct{}) {
	// Wait for the scheduled start, keeping one slice of lead so the sink
	// is never starved at a buffer boundary.
	if !s.waitUntil(it.start-s.slice, cancel) {
		return
	}

	format := it.buf.Format()
	sliceBytes := format.BytesFor(s.slice)
	if sliceBytes <= 0 {
		sliceBytes = len(it.buf.PCM)
	}

	pcm := it.buf.PCM
	for offset := 0; offset < len(pcm); {
		select {
		case <-s.done:
			return
		case <-cancel:
			return
		default:
		}

		end := offset + sliceBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := s.sink.Write(pcm[offset:end]); err != nil {
			slog.Warn("playback: sink write failed, dropping buffer",
				"error", err,
				"remaining", fmt.Sprintf("%dB", len(pcm)-offset),
			)
			return
		}
		offset = end

		// Pace: stay one slice ahead of the timeline position of the data
		// written so far.
		if !s.waitUntil(it.start+format.Duration(offset)-s.slice, cancel) {
			return
		}
	}
}

// waitUntil blocks until the clock reaches target, polling at slice
// granularity so manual test clocks make progress. Returns false if cancel
// or done closed while waiting.
func (s *Scheduler) waitUntil(target time.Duration, cancel chan struct{}) bool {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		d := target - s.clock.Now()
		if d <= 0 {
			return true
		}
		if d > s.slice {
			d = s.slice
		}
		timer.Reset(d)
		select {
		case <-s.done:
			if !timer.Stop() {
				<-timer.C
			}
			return false
		case <-cancel:
			if !timer.Stop() {
				<-timer.C
			}
			return false
		case <-timer.C:
		}
	}
}
