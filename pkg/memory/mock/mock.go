// Package mock provides an in-memory test double for the memory layer
// interfaces.
//
// Store records every method call for assertion in tests and exposes exported
// fields that control what it returns. It also retains the entries and facts
// written to it, so tests can inspect what the system under test persisted.
// All methods are safe for concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := &mock.Store{}
//	store.SearchFactsResult = []memory.FactResult{{Fact: memory.Fact{Content: "…"}}}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("SaveFact"); got != 2 {
//	    t.Errorf("expected 2 SaveFact calls, got %d", got)
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/parley-voice/parley/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [memory.Store]. All exported *Err
// fields default to nil (success); all exported *Result fields default to nil
// (empty non-nil slice returned).
type Store struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// entries retains every entry passed to WriteEntry.
	entries []memory.TranscriptEntry

	// facts retains every fact passed to SaveFact, keyed by ID (upsert).
	facts map[string]memory.Fact

	// WriteEntryErr is returned by [Store.WriteEntry] when non-nil.
	WriteEntryErr error

	// RecentResult is returned by [Store.Recent].
	// When nil, Recent returns an empty non-nil slice.
	RecentResult []memory.TranscriptEntry

	// RecentErr is returned by [Store.Recent] when non-nil.
	RecentErr error

	// SearchResult is returned by [Store.Search].
	// When nil, Search returns an empty non-nil slice.
	SearchResult []memory.TranscriptEntry

	// SearchErr is returned by [Store.Search] when non-nil.
	SearchErr error

	// SaveFactErr is returned by [Store.SaveFact] when non-nil.
	SaveFactErr error

	// SaveFactFunc, if non-nil, is consulted per call after recording; useful
	// for failing a specific fact while accepting the rest.
	SaveFactFunc func(fact memory.Fact) error

	// SearchFactsResult is returned by [Store.SearchFacts].
	// When nil, SearchFacts returns an empty non-nil slice.
	SearchFactsResult []memory.FactResult

	// SearchFactsErr is returned by [Store.SearchFacts] when non-nil.
	SearchFactsErr error

	// RecentFactsResult is returned by [Store.RecentFacts].
	// When nil, RecentFacts returns an empty non-nil slice.
	RecentFactsResult []memory.Fact

	// RecentFactsErr is returned by [Store.RecentFacts] when non-nil.
	RecentFactsErr error
}

var _ memory.Store = (*Store)(nil)

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Entries returns a copy of every entry written via WriteEntry, in order.
func (m *Store) Entries() []memory.TranscriptEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]memory.TranscriptEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Facts returns a copy of every fact saved via SaveFact, keyed by ID.
func (m *Store) Facts() map[string]memory.Fact {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]memory.Fact, len(m.facts))
	for id, f := range m.facts {
		out[id] = f
	}
	return out
}

// Reset clears all recorded calls and retained writes without altering
// response configuration.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.entries = nil
	m.facts = nil
}

// WriteEntry implements [memory.TranscriptStore].
func (m *Store) WriteEntry(_ context.Context, entry memory.TranscriptEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "WriteEntry", Args: []any{entry}})
	if m.WriteEntryErr != nil {
		return m.WriteEntryErr
	}
	m.entries = append(m.entries, entry)
	return nil
}

// Recent implements [memory.TranscriptStore].
func (m *Store) Recent(_ context.Context, callID string, window time.Duration) ([]memory.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Recent", Args: []any{callID, window}})
	if m.RecentResult == nil {
		return []memory.TranscriptEntry{}, m.RecentErr
	}
	out := make([]memory.TranscriptEntry, len(m.RecentResult))
	copy(out, m.RecentResult)
	return out, m.RecentErr
}

// Search implements [memory.TranscriptStore].
func (m *Store) Search(_ context.Context, query string, opts memory.SearchOpts) ([]memory.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Search", Args: []any{query, opts}})
	if m.SearchResult == nil {
		return []memory.TranscriptEntry{}, m.SearchErr
	}
	out := make([]memory.TranscriptEntry, len(m.SearchResult))
	copy(out, m.SearchResult)
	return out, m.SearchErr
}

// SaveFact implements [memory.FactStore].
func (m *Store) SaveFact(_ context.Context, fact memory.Fact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "SaveFact", Args: []any{fact}})
	if m.SaveFactErr != nil {
		return m.SaveFactErr
	}
	if m.SaveFactFunc != nil {
		if err := m.SaveFactFunc(fact); err != nil {
			return err
		}
	}
	if m.facts == nil {
		m.facts = make(map[string]memory.Fact)
	}
	m.facts[fact.ID] = fact
	return nil
}

// SearchFacts implements [memory.FactStore].
func (m *Store) SearchFacts(_ context.Context, embedding []float32, topK int, filter memory.FactFilter) ([]memory.FactResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "SearchFacts", Args: []any{embedding, topK, filter}})
	if m.SearchFactsResult == nil {
		return []memory.FactResult{}, m.SearchFactsErr
	}
	out := make([]memory.FactResult, len(m.SearchFactsResult))
	copy(out, m.SearchFactsResult)
	return out, m.SearchFactsErr
}

// RecentFacts implements [memory.FactStore].
func (m *Store) RecentFacts(_ context.Context, limit int) ([]memory.Fact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "RecentFacts", Args: []any{limit}})
	if m.RecentFactsResult == nil {
		return []memory.Fact{}, m.RecentFactsErr
	}
	out := make([]memory.Fact, len(m.RecentFactsResult))
	copy(out, m.RecentFactsResult)
	return out, m.RecentFactsErr
}
