package playback

import "time"

// Clock provides the stream timeline the scheduler plans against. Now is a
// monotonically non-decreasing offset from an arbitrary zero (typically the
// moment the clock was created).
//
// The production implementation is [WallClock]; tests substitute a manual
// clock to make scheduling decisions deterministic.
type Clock interface {
	Now() time.Duration
}

// WallClock is a Clock backed by the monotonic system clock.
type WallClock struct {
	start time.Time
}

var _ Clock = (*WallClock)(nil)

// NewWallClock returns a WallClock whose zero is now.
func NewWallClock() *WallClock {
	return &WallClock{start: time.Now()}
}

// Now implements [Clock].
func (c *WallClock) Now() time.Duration {
	return time.Since(c.start)
}
