package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/parley-voice/parley/pkg/memory"
)

// WriteEntry implements [memory.TranscriptStore]. It appends entry to the
// transcript_entries table; the entry's ID field is ignored.
func (s *Store) WriteEntry(ctx context.Context, entry memory.TranscriptEntry) error {
	const q = `
		INSERT INTO transcript_entries
		    (call_id, role, text, timestamp)
		VALUES ($1, $2, $3, $4)`

	_, err := s.pool.Exec(ctx, q,
		entry.CallID,
		string(entry.Role),
		entry.Text,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("transcript store: write entry: %w", err)
	}
	return nil
}

// Recent implements [memory.TranscriptStore]. It returns all entries for
// callID whose timestamp is no earlier than time.Now()-window, ordered
// chronologically (oldest first).
func (s *Store) Recent(ctx context.Context, callID string, window time.Duration) ([]memory.TranscriptEntry, error) {
	const q = `
		SELECT id, call_id, role, text, timestamp
		FROM   transcript_entries
		WHERE  call_id   = $1
		  AND  timestamp >= now() - ($2::bigint * interval '1 microsecond')
		ORDER  BY timestamp`

	rows, err := s.pool.Query(ctx, q, callID, window.Microseconds())
	if err != nil {
		return nil, fmt.Errorf("transcript store: recent: %w", err)
	}
	return collectEntries(rows)
}

// Search implements [memory.TranscriptStore]. It performs a PostgreSQL
// full-text search over the text column and applies optional filters from
// opts.
//
// The query is passed to plainto_tsquery so no special operator syntax is
// required.
func (s *Store) Search(ctx context.Context, query string, opts memory.SearchOpts) ([]memory.TranscriptEntry, error) {
	args := []any{query} // $1 = FTS query string
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('english', text) @@ plainto_tsquery('english', $1)",
	}
	if opts.CallID != "" {
		conditions = append(conditions, "call_id = "+next(opts.CallID))
	}
	if opts.Role != "" {
		conditions = append(conditions, "role = "+next(string(opts.Role)))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "timestamp > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "timestamp < "+next(opts.Before))
	}

	q := "SELECT id, call_id, role, text, timestamp\n" +
		"FROM   transcript_entries\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY timestamp"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("transcript store: search: %w", err)
	}
	return collectEntries(rows)
}

// collectEntries scans pgx rows into a slice of TranscriptEntry values.
func collectEntries(rows pgx.Rows) ([]memory.TranscriptEntry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.TranscriptEntry, error) {
		var (
			e    memory.TranscriptEntry
			role string
		)
		if err := row.Scan(
			&e.ID,
			&e.CallID,
			&role,
			&e.Text,
			&e.Timestamp,
		); err != nil {
			return memory.TranscriptEntry{}, err
		}
		e.Role = memory.Role(role)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transcript store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []memory.TranscriptEntry{}
	}
	return entries, nil
}
