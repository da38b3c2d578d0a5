package levels

import (
	"sync"
	"time"
)

// DefaultInterval is the publish cadence when none is configured.
const DefaultInterval = 50 * time.Millisecond

// Option configures a [Meter] during construction.
type Option func(*Meter)

// WithInterval sets the publish cadence. Values below 1ms are ignored.
func WithInterval(d time.Duration) Option {
	return func(m *Meter) {
		if d >= time.Millisecond {
			m.interval = d
		}
	}
}

// Meter owns one analyzer per direction and publishes both levels to a
// callback on a fixed ticker. Start and Stop are idempotent.
type Meter struct {
	user *Analyzer
	ai   *Analyzer

	interval time.Duration
	onLevel  func(user, ai float64)

	mu      sync.Mutex
	done    chan struct{}
	started bool
	wg      sync.WaitGroup
}

// NewMeter creates a Meter publishing to onLevel. onLevel is invoked from
// the meter's own goroutine and must not block; a nil onLevel is allowed and
// turns the meter into a pure pair of analyzers.
func NewMeter(onLevel func(user, ai float64), opts ...Option) *Meter {
	m := &Meter{
		user:     NewAnalyzer(),
		ai:       NewAnalyzer(),
		interval: DefaultInterval,
		onLevel:  onLevel,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// WriteUser feeds captured microphone PCM (s16le mono) into the user analyzer.
func (m *Meter) WriteUser(pcm []byte) {
	m.user.Write(pcm)
}

// WriteAI feeds model audio PCM (s16le mono) into the AI analyzer.
func (m *Meter) WriteAI(pcm []byte) {
	m.ai.Write(pcm)
}

// ResetAI clears the AI analyzer, used when playback is interrupted so the
// meter doesn't keep showing energy for audio that was cut off.
func (m *Meter) ResetAI() {
	m.ai.Reset()
}

// Levels returns the current (user, ai) levels without waiting for a tick.
func (m *Meter) Levels() (user, ai float64) {
	return m.user.Level(), m.ai.Level()
}

// Start launches the publisher goroutine. Calling Start on a running meter
// is a no-op.
func (m *Meter) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.done = make(chan struct{})

	m.wg.Add(1)
	go m.run(m.done)
}

// Stop halts publishing and waits for the publisher goroutine to exit.
// Calling Stop on a stopped meter is a no-op.
func (m *Meter) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.done)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Meter) run(done chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if m.onLevel != nil {
				m.onLevel(m.Levels())
			}
		}
	}
}
