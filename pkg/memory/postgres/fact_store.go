package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/parley-voice/parley/pkg/memory"
)

// SaveFact implements [memory.FactStore]. It upserts a pre-embedded
// [memory.Fact] into the facts table. If a fact with the same ID already
// exists it is completely replaced, except that created_at keeps its original
// value.
func (s *Store) SaveFact(ctx context.Context, fact memory.Fact) error {
	const q = `
		INSERT INTO facts
		    (id, subject, content, embedding, source, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7::timestamptz, now()))
		ON CONFLICT (id) DO UPDATE SET
		    subject     = EXCLUDED.subject,
		    content     = EXCLUDED.content,
		    embedding   = EXCLUDED.embedding,
		    source      = EXCLUDED.source,
		    confidence  = EXCLUDED.confidence`

	var createdAt any
	if !fact.CreatedAt.IsZero() {
		createdAt = fact.CreatedAt
	}

	vec := pgvector.NewVector(fact.Embedding)
	_, err := s.pool.Exec(ctx, q,
		fact.ID,
		fact.Subject,
		fact.Content,
		vec,
		fact.Source,
		fact.Confidence,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("fact store: save fact: %w", err)
	}
	return nil
}

// SearchFacts implements [memory.FactStore]. It finds the topK facts whose
// embeddings are closest (cosine distance) to the supplied query embedding,
// optionally filtered by filter.
//
// Results are ordered by ascending cosine distance (most similar first).
func (s *Store) SearchFacts(ctx context.Context, embedding []float32, topK int, filter memory.FactFilter) ([]memory.FactResult, error) {
	queryVec := pgvector.NewVector(embedding)

	args := []any{queryVec} // $1 = query vector
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if filter.Subject != "" {
		conditions = append(conditions, "subject = "+next(filter.Subject))
	}
	if !filter.After.IsZero() {
		conditions = append(conditions, "created_at > "+next(filter.After))
	}
	if !filter.Before.IsZero() {
		conditions = append(conditions, "created_at < "+next(filter.Before))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, "\n  AND ")
	}

	args = append(args, topK)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT id, subject, content, embedding, source, confidence, created_at,
		       embedding <=> $1 AS distance
		FROM   facts
		%s
		ORDER  BY distance
		LIMIT  %s`, whereClause, limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("fact store: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.FactResult, error) {
		var (
			fr  memory.FactResult
			vec pgvector.Vector
		)
		if err := row.Scan(
			&fr.Fact.ID,
			&fr.Fact.Subject,
			&fr.Fact.Content,
			&vec,
			&fr.Fact.Source,
			&fr.Fact.Confidence,
			&fr.Fact.CreatedAt,
			&fr.Distance,
		); err != nil {
			return memory.FactResult{}, err
		}
		fr.Fact.Embedding = vec.Slice()
		return fr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fact store: scan rows: %w", err)
	}
	if results == nil {
		results = []memory.FactResult{}
	}
	return results, nil
}

// RecentFacts implements [memory.FactStore]. It returns up to limit facts
// ordered by creation time, newest first.
func (s *Store) RecentFacts(ctx context.Context, limit int) ([]memory.Fact, error) {
	const q = `
		SELECT id, subject, content, embedding, source, confidence, created_at
		FROM   facts
		ORDER  BY created_at DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("fact store: recent: %w", err)
	}

	facts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Fact, error) {
		var (
			f   memory.Fact
			vec pgvector.Vector
		)
		if err := row.Scan(
			&f.ID,
			&f.Subject,
			&f.Content,
			&vec,
			&f.Source,
			&f.Confidence,
			&f.CreatedAt,
		); err != nil {
			return memory.Fact{}, err
		}
		f.Embedding = vec.Slice()
		return f, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fact store: scan rows: %w", err)
	}
	if facts == nil {
		facts = []memory.Fact{}
	}
	return facts, nil
}
