// Package memory defines the persistent conversation memory interfaces.
//
// Two layers back a voice call:
//
//   - [TranscriptStore] is the raw conversation log: every completed turn is
//     appended as user/model [TranscriptEntry] pairs, queryable by recency and
//     full-text search.
//   - [FactStore] holds distilled knowledge: [Fact] values extracted from
//     completed turns, each carrying an embedding vector for semantic retrieval.
//
// [Store] combines both layers; the postgres subpackage provides the
// production implementation and the mock subpackage an in-memory test double.
//
// Implementations must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// Role identifies the speaker of a transcript entry.
type Role string

const (
	// RoleUser marks speech transcribed from the microphone.
	RoleUser Role = "user"
	// RoleModel marks speech synthesized by the conversational model.
	RoleModel Role = "model"
)

// TranscriptEntry is a single utterance within a call, as finalized at turn
// completion. ID is assigned by the store on write and is zero beforehand.
type TranscriptEntry struct {
	// ID is the store-assigned identifier, unique across all calls.
	ID int64
	// CallID groups entries belonging to the same call.
	CallID string
	// Role is the speaker: RoleUser or RoleModel.
	Role Role
	// Text is the finalized transcript text for this utterance.
	Text string
	// Timestamp is when the turn containing this utterance completed.
	Timestamp time.Time
}

// SearchOpts filters a full-text transcript search. Zero values mean
// "no filter" for the respective field.
type SearchOpts struct {
	// CallID restricts results to a single call.
	CallID string
	// Role restricts results to one speaker role.
	Role Role
	// After excludes entries at or before this instant.
	After time.Time
	// Before excludes entries at or after this instant.
	Before time.Time
	// Limit caps the number of results. Zero means no limit.
	Limit int
}

// Fact is a single piece of knowledge extracted from conversation, embedded
// for semantic retrieval. Saving a Fact with an existing ID replaces it.
type Fact struct {
	// ID uniquely identifies the fact. Extractors derive it from the fact
	// content so that re-extracting the same knowledge updates in place.
	ID string
	// Subject names who or what the fact is about (e.g. a person's name).
	Subject string
	// Content is the fact stated as a short natural-language sentence.
	Content string
	// Embedding is the vector representation of Content. Its length must match
	// the dimension the store was created with.
	Embedding []float32
	// Source is the CallID of the conversation the fact was extracted from.
	Source string
	// Confidence is the extractor's self-reported confidence in [0, 1].
	Confidence float64
	// CreatedAt is when the fact was first saved.
	CreatedAt time.Time
}

// FactFilter narrows a semantic fact search. Zero values mean "no filter".
type FactFilter struct {
	// Subject restricts results to facts about a single subject.
	Subject string
	// After excludes facts created at or before this instant.
	After time.Time
	// Before excludes facts created at or after this instant.
	Before time.Time
}

// FactResult pairs a retrieved fact with its cosine distance from the query
// embedding. Smaller distance means more similar.
type FactResult struct {
	Fact     Fact
	Distance float64
}

// TranscriptStore is the append-only conversation log.
type TranscriptStore interface {
	// WriteEntry appends one finalized utterance to the log. The entry's ID
	// field is ignored; the store assigns its own.
	WriteEntry(ctx context.Context, entry TranscriptEntry) error

	// Recent returns all entries for callID whose timestamp is no earlier than
	// now minus window, ordered chronologically (oldest first).
	Recent(ctx context.Context, callID string, window time.Duration) ([]TranscriptEntry, error)

	// Search performs a full-text search over entry text, filtered by opts,
	// ordered chronologically.
	Search(ctx context.Context, query string, opts SearchOpts) ([]TranscriptEntry, error)
}

// FactStore is the semantic knowledge layer.
type FactStore interface {
	// SaveFact upserts a fact. A fact with the same ID is fully replaced.
	SaveFact(ctx context.Context, fact Fact) error

	// SearchFacts returns the topK facts whose embeddings are closest (cosine
	// distance) to embedding, optionally narrowed by filter, ordered by
	// ascending distance.
	SearchFacts(ctx context.Context, embedding []float32, topK int, filter FactFilter) ([]FactResult, error)

	// RecentFacts returns up to limit facts ordered by creation time,
	// newest first.
	RecentFacts(ctx context.Context, limit int) ([]Fact, error)
}

// Store combines both memory layers behind one handle.
type Store interface {
	TranscriptStore
	FactStore
}
