package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/parley-voice/parley/pkg/memory"
	"github.com/parley-voice/parley/pkg/memory/postgres"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if PARLEY_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("PARLEY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PARLEY_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
// It calls t.Cleanup to close the store when the test finishes.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	// Use a bare pool to drop and recreate the schema.
	cleanPool := mustPool(t, ctx, dsn)
	t.Cleanup(cleanPool.Close)
	dropSchema(t, ctx, cleanPool)

	store, err := postgres.NewStore(ctx, dsn, testEmbeddingDim)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

// mustPool opens a pgxpool with pgvector types registered (needed for the
// HNSW index to not refuse our connection during dropSchema).
func mustPool(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		// best-effort: pgvector may not be installed yet on a fresh DB
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return pool
}

// dropSchema removes all tables created by Migrate.
func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS facts CASCADE",
		"DROP TABLE IF EXISTS transcript_entries CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Transcript log
// ─────────────────────────────────────────────────────────────────────────────

func TestTranscriptWriteAndRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	callID := "call-1"
	now := time.Now()
	entries := []memory.TranscriptEntry{
		{
			CallID:    callID,
			Role:      memory.RoleUser,
			Text:      "My sister Maria moved to Lisbon last spring.",
			Timestamp: now.Add(-10 * time.Minute),
		},
		{
			CallID:    callID,
			Role:      memory.RoleModel,
			Text:      "That sounds like a big change. Does she like it there?",
			Timestamp: now.Add(-9 * time.Minute),
		},
		{
			CallID:    callID,
			Role:      memory.RoleUser,
			Text:      "She loves it, she works at a pottery studio now.",
			Timestamp: now.Add(-1 * time.Minute),
		},
	}

	for _, e := range entries {
		if err := store.WriteEntry(ctx, e); err != nil {
			t.Fatalf("WriteEntry: %v", err)
		}
	}

	// A wide window should return all 3, oldest first.
	recent, err := store.Recent(ctx, callID, 30*time.Minute)
	if err != nil {
		t.Fatalf("Recent(30m): %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("Recent(30m): want 3, got %d", len(recent))
	}
	if recent[0].Text != entries[0].Text {
		t.Errorf("Recent(30m)[0]: want %q, got %q", entries[0].Text, recent[0].Text)
	}
	if recent[0].ID == 0 {
		t.Error("Recent(30m)[0]: want store-assigned ID, got 0")
	}
	if recent[1].Role != memory.RoleModel {
		t.Errorf("Recent(30m)[1].Role: want %q, got %q", memory.RoleModel, recent[1].Role)
	}

	// A narrow window should return only the last entry.
	narrow, err := store.Recent(ctx, callID, 5*time.Minute)
	if err != nil {
		t.Fatalf("Recent(5m): %v", err)
	}
	if len(narrow) != 1 {
		t.Fatalf("Recent(5m): want 1, got %d", len(narrow))
	}
	if narrow[0].Text != entries[2].Text {
		t.Errorf("Recent(5m): want %q, got %q", entries[2].Text, narrow[0].Text)
	}

	// A different call returns nothing.
	other, err := store.Recent(ctx, "other-call", 30*time.Minute)
	if err != nil {
		t.Fatalf("Recent other: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("Recent other: want 0, got %d", len(other))
	}
}

func TestTranscriptSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	entries := []memory.TranscriptEntry{
		{CallID: "call-1", Role: memory.RoleUser, Text: "I want to plan a birthday party for Maria.", Timestamp: now.Add(-3 * time.Hour)},
		{CallID: "call-1", Role: memory.RoleModel, Text: "A party sounds wonderful. When is her birthday?", Timestamp: now.Add(-3 * time.Hour)},
		{CallID: "call-2", Role: memory.RoleUser, Text: "Remind me to water the plants tomorrow.", Timestamp: now.Add(-1 * time.Hour)},
	}
	for _, e := range entries {
		if err := store.WriteEntry(ctx, e); err != nil {
			t.Fatalf("WriteEntry: %v", err)
		}
	}

	// Plain FTS over all calls.
	hits, err := store.Search(ctx, "birthday party", memory.SearchOpts{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("Search: want 2 hits, got %d", len(hits))
	}

	// Restricted to one role.
	userHits, err := store.Search(ctx, "birthday", memory.SearchOpts{Role: memory.RoleUser})
	if err != nil {
		t.Fatalf("Search role: %v", err)
	}
	if len(userHits) != 1 {
		t.Fatalf("Search role: want 1 hit, got %d", len(userHits))
	}
	if userHits[0].CallID != "call-1" {
		t.Errorf("Search role: want call-1, got %q", userHits[0].CallID)
	}

	// Restricted to one call that has no matching text.
	none, err := store.Search(ctx, "birthday", memory.SearchOpts{CallID: "call-2"})
	if err != nil {
		t.Fatalf("Search call-2: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("Search call-2: want 0 hits, got %d", len(none))
	}

	// Limit caps the result set.
	limited, err := store.Search(ctx, "birthday party", memory.SearchOpts{Limit: 1})
	if err != nil {
		t.Fatalf("Search limit: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("Search limit: want 1 hit, got %d", len(limited))
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Fact store
// ─────────────────────────────────────────────────────────────────────────────

func TestFactSaveAndSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	facts := []memory.Fact{
		{
			ID:         "fact-sister-city",
			Subject:    "Maria",
			Content:    "Maria lives in Lisbon.",
			Embedding:  []float32{1, 0, 0, 0},
			Source:     "call-1",
			Confidence: 0.9,
		},
		{
			ID:         "fact-sister-job",
			Subject:    "Maria",
			Content:    "Maria works at a pottery studio.",
			Embedding:  []float32{0.9, 0.1, 0, 0},
			Source:     "call-1",
			Confidence: 0.8,
		},
		{
			ID:         "fact-plants",
			Subject:    "user",
			Content:    "The user keeps houseplants.",
			Embedding:  []float32{0, 0, 1, 0},
			Source:     "call-2",
			Confidence: 0.7,
		},
	}
	for _, f := range facts {
		if err := store.SaveFact(ctx, f); err != nil {
			t.Fatalf("SaveFact(%s): %v", f.ID, err)
		}
	}

	// Nearest to (1,0,0,0) should be the Lisbon fact, then the job fact.
	results, err := store.SearchFacts(ctx, []float32{1, 0, 0, 0}, 2, memory.FactFilter{})
	if err != nil {
		t.Fatalf("SearchFacts: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("SearchFacts: want 2 results, got %d", len(results))
	}
	if results[0].Fact.ID != "fact-sister-city" {
		t.Errorf("SearchFacts[0]: want fact-sister-city, got %q", results[0].Fact.ID)
	}
	if results[1].Fact.ID != "fact-sister-job" {
		t.Errorf("SearchFacts[1]: want fact-sister-job, got %q", results[1].Fact.ID)
	}
	if results[0].Distance > results[1].Distance {
		t.Errorf("SearchFacts: distances not ascending: %v then %v", results[0].Distance, results[1].Distance)
	}
	if got := results[0].Fact.Embedding; len(got) != testEmbeddingDim {
		t.Errorf("SearchFacts[0].Embedding: want %d dims, got %d", testEmbeddingDim, len(got))
	}

	// Subject filter excludes the plant fact even for a matching vector.
	subjHits, err := store.SearchFacts(ctx, []float32{0, 0, 1, 0}, 5, memory.FactFilter{Subject: "Maria"})
	if err != nil {
		t.Fatalf("SearchFacts subject: %v", err)
	}
	for _, r := range subjHits {
		if r.Fact.Subject != "Maria" {
			t.Errorf("SearchFacts subject: got subject %q", r.Fact.Subject)
		}
	}
}

func TestFactUpsertReplacesContent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	orig := memory.Fact{
		ID:         "fact-1",
		Subject:    "Maria",
		Content:    "Maria lives in Porto.",
		Embedding:  []float32{1, 0, 0, 0},
		Source:     "call-1",
		Confidence: 0.5,
	}
	if err := store.SaveFact(ctx, orig); err != nil {
		t.Fatalf("SaveFact: %v", err)
	}

	updated := orig
	updated.Content = "Maria lives in Lisbon."
	updated.Confidence = 0.95
	updated.Source = "call-3"
	if err := store.SaveFact(ctx, updated); err != nil {
		t.Fatalf("SaveFact update: %v", err)
	}

	facts, err := store.RecentFacts(ctx, 10)
	if err != nil {
		t.Fatalf("RecentFacts: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("RecentFacts: want 1 fact after upsert, got %d", len(facts))
	}
	got := facts[0]
	if got.Content != updated.Content {
		t.Errorf("Content: want %q, got %q", updated.Content, got.Content)
	}
	if got.Confidence != updated.Confidence {
		t.Errorf("Confidence: want %v, got %v", updated.Confidence, got.Confidence)
	}
	if got.Source != "call-3" {
		t.Errorf("Source: want call-3, got %q", got.Source)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt: want non-zero timestamp")
	}
}

func TestRecentFactsOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	for i, f := range []memory.Fact{
		{ID: "fact-old", Content: "old", Embedding: []float32{1, 0, 0, 0}, CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "fact-mid", Content: "mid", Embedding: []float32{0, 1, 0, 0}, CreatedAt: now.Add(-1 * time.Hour)},
		{ID: "fact-new", Content: "new", Embedding: []float32{0, 0, 1, 0}, CreatedAt: now},
	} {
		if err := store.SaveFact(ctx, f); err != nil {
			t.Fatalf("SaveFact %d: %v", i, err)
		}
	}

	facts, err := store.RecentFacts(ctx, 2)
	if err != nil {
		t.Fatalf("RecentFacts: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("RecentFacts: want 2, got %d", len(facts))
	}
	if facts[0].ID != "fact-new" || facts[1].ID != "fact-mid" {
		t.Errorf("RecentFacts order: got %q, %q", facts[0].ID, facts[1].ID)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()

	pool := mustPool(t, ctx, dsn)
	t.Cleanup(pool.Close)
	dropSchema(t, ctx, pool)

	for i := 0; i < 3; i++ {
		if err := postgres.Migrate(ctx, pool, testEmbeddingDim); err != nil {
			t.Fatalf("Migrate run %d: %v", i, err)
		}
	}
}
