// Package transcript accumulates streaming transcription deltas into whole
// conversation turns.
//
// Realtime providers emit transcription text in small fragments, interleaved
// between the user and model directions. The Accumulator buffers both
// directions and releases them as one [Turn] when the model's turn completes.
package transcript

import (
	"strings"
	"sync"
	"time"
)

// Role identifies which side of the conversation produced a fragment.
type Role string

const (
	// RoleUser is the human speaker.
	RoleUser Role = "user"
	// RoleModel is the AI speaker.
	RoleModel Role = "model"
)

// Turn is one completed conversational exchange: everything the user said
// followed by everything the model answered.
type Turn struct {
	User        string
	Model       string
	CompletedAt time.Time
}

// Empty reports whether the turn carries no text in either direction.
func (t Turn) Empty() bool {
	return t.User == "" && t.Model == ""
}

// Accumulator buffers transcription deltas per direction until the turn is
// flushed. Safe for concurrent use.
type Accumulator struct {
	mu    sync.Mutex
	user  strings.Builder
	model strings.Builder
	now   func() time.Time
}

// NewAccumulator creates an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{now: time.Now}
}

// Add appends a text fragment to the buffer for role. Unknown roles are
// ignored.
func (a *Accumulator) Add(role Role, delta string) {
	if delta == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	switch role {
	case RoleUser:
		a.user.WriteString(delta)
	case RoleModel:
		a.model.WriteString(delta)
	}
}

// Snapshot returns the accumulated text so far without clearing it. Used for
// live transcript display while a turn is still in progress.
func (a *Accumulator) Snapshot() Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Turn{
		User:  strings.TrimSpace(a.user.String()),
		Model: strings.TrimSpace(a.model.String()),
	}
}

// Flush returns the completed turn and clears both buffers, so fragments of
// the next turn never bleed into this one.
func (a *Accumulator) Flush() Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := Turn{
		User:        strings.TrimSpace(a.user.String()),
		Model:       strings.TrimSpace(a.model.String()),
		CompletedAt: a.now(),
	}
	a.user.Reset()
	a.model.Reset()
	return t
}

// Reset discards any buffered fragments without producing a turn. Used when
// the session tears down mid-turn.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user.Reset()
	a.model.Reset()
}
