// Package knowledge turns finished conversation turns into durable memory.
//
// After every completed turn the [Extractor] does two things concurrently:
//
//  1. Appends the turn's user and model utterances to the transcript log.
//  2. Asks an LLM to distil standalone facts from the turn, canonicalises
//     their subjects against already-known ones, embeds the fact text, and
//     upserts the result into the fact store.
//
// [Extractor.Recall] is the read side: it embeds a query and returns the
// closest stored facts, which callers format into the session persona via
// [FormatPersonaContext].
package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/parley-voice/parley/internal/observe"
	"github.com/parley-voice/parley/internal/transcript"
	"github.com/parley-voice/parley/pkg/memory"
	"github.com/parley-voice/parley/pkg/provider/embeddings"
	"github.com/parley-voice/parley/pkg/provider/llm"
)

// extractionPrompt is the system prompt used to distil facts from a turn.
// The model must answer with a bare JSON array; parseFacts tolerates a
// markdown code fence around it.
const extractionPrompt = `You extract durable personal facts from a conversation turn.
Return a JSON array. Each element has:
  "subject": who or what the fact is about (a name, or "user" for the speaker)
  "fact": the fact as one standalone sentence in third person
  "confidence": 0.0-1.0, how certain the conversation makes this fact
Only include facts worth remembering across conversations (people, places,
preferences, events, plans). Return [] when the turn contains none.
Return only the JSON array, no other text.`

const (
	defaultMinConfidence = 0.5
	defaultMaxFacts      = 8
)

// Extractor persists completed turns and distils facts from them.
// All methods are safe for concurrent use.
type Extractor struct {
	llm      llm.Provider
	embedder embeddings.Provider
	store    memory.Store
	subjects *Canonicalizer
	metrics  *observe.Metrics

	minConfidence float64
	maxFacts      int
	now           func() time.Time
}

// Option is a functional option for [NewExtractor].
type Option func(*Extractor)

// WithMinConfidence sets the confidence below which extracted facts are
// discarded. Default: 0.5.
func WithMinConfidence(c float64) Option {
	return func(e *Extractor) { e.minConfidence = c }
}

// WithMaxFacts caps how many facts a single turn may produce. Default: 8.
func WithMaxFacts(n int) Option {
	return func(e *Extractor) { e.maxFacts = n }
}

// WithMetrics attaches telemetry instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Extractor) { e.metrics = m }
}

// NewExtractor creates an [Extractor] backed by the given completion provider,
// embedding provider, and memory store.
func NewExtractor(provider llm.Provider, embedder embeddings.Provider, store memory.Store, opts ...Option) *Extractor {
	e := &Extractor{
		llm:           provider,
		embedder:      embedder,
		store:         store,
		subjects:      NewCanonicalizer(),
		minConfidence: defaultMinConfidence,
		maxFacts:      defaultMaxFacts,
		now:           time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SeedSubjects pre-loads the subject canonicaliser with the subjects of
// recently stored facts so new mentions of known people resolve to the same
// spelling. Call once at startup; failures are non-fatal.
func (e *Extractor) SeedSubjects(ctx context.Context) error {
	facts, err := e.store.RecentFacts(ctx, 200)
	if err != nil {
		return fmt.Errorf("knowledge: seed subjects: %w", err)
	}
	for _, f := range facts {
		e.subjects.Add(f.Subject)
	}
	return nil
}

// ProcessTurn persists the turn's transcript entries and extracts facts from
// it. The two paths run concurrently; an error on either side is returned but
// the other side still completes.
//
// Empty turns are a no-op.
func (e *Extractor) ProcessTurn(ctx context.Context, callID string, turn transcript.Turn) error {
	if turn.Empty() {
		return nil
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return e.writeEntries(egCtx, callID, turn)
	})
	eg.Go(func() error {
		return e.extractFacts(egCtx, callID, turn)
	})

	return eg.Wait()
}

// writeEntries appends the turn's utterances to the transcript log.
func (e *Extractor) writeEntries(ctx context.Context, callID string, turn transcript.Turn) error {
	ts := turn.CompletedAt
	if ts.IsZero() {
		ts = e.now()
	}

	if turn.User != "" {
		err := e.store.WriteEntry(ctx, memory.TranscriptEntry{
			CallID:    callID,
			Role:      memory.RoleUser,
			Text:      turn.User,
			Timestamp: ts,
		})
		if err != nil {
			return fmt.Errorf("knowledge: write user entry: %w", err)
		}
	}
	if turn.Model != "" {
		err := e.store.WriteEntry(ctx, memory.TranscriptEntry{
			CallID:    callID,
			Role:      memory.RoleModel,
			Text:      turn.Model,
			Timestamp: ts,
		})
		if err != nil {
			return fmt.Errorf("knowledge: write model entry: %w", err)
		}
	}
	return nil
}

// extractFacts runs the LLM extraction, embeds the surviving facts, and
// upserts them into the fact store.
func (e *Extractor) extractFacts(ctx context.Context, callID string, turn transcript.Turn) error {
	start := time.Now()

	resp, err := e.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: extractionPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: formatTurn(turn)},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return fmt.Errorf("knowledge: extraction completion: %w", err)
	}
	if e.metrics != nil {
		e.metrics.FactExtractionDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("provider", e.llm.Name())))
	}

	candidates, err := parseFacts(resp.Content)
	if err != nil {
		return fmt.Errorf("knowledge: parse extraction response: %w", err)
	}

	facts := e.filterCandidates(callID, candidates)
	if len(facts) == 0 {
		return nil
	}

	texts := make([]string, len(facts))
	for i, f := range facts {
		texts[i] = f.Content
	}
	vectors, err := e.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("knowledge: embed facts: %w", err)
	}

	var saveErr error
	saved := 0
	for i := range facts {
		facts[i].Embedding = vectors[i]
		if err := e.store.SaveFact(ctx, facts[i]); err != nil {
			saveErr = fmt.Errorf("knowledge: save fact %q: %w", facts[i].ID, err)
			slog.Warn("failed to save extracted fact",
				"fact_id", facts[i].ID,
				"subject", facts[i].Subject,
				"error", err)
			// Keep saving the rest — partial persistence beats none.
			continue
		}
		saved++
	}

	if saved > 0 {
		slog.Debug("extracted facts from turn", "call_id", callID, "count", saved)
		if e.metrics != nil {
			e.metrics.FactsExtracted.Add(ctx, int64(saved))
		}
	}
	return saveErr
}

// filterCandidates drops low-confidence or empty candidates, canonicalises
// subjects, caps the count, and assigns content-derived IDs.
func (e *Extractor) filterCandidates(callID string, candidates []factCandidate) []memory.Fact {
	facts := make([]memory.Fact, 0, len(candidates))
	for _, c := range candidates {
		content := strings.TrimSpace(c.Fact)
		if content == "" || c.Confidence < e.minConfidence {
			continue
		}
		subject := e.subjects.Canonical(strings.TrimSpace(c.Subject))
		facts = append(facts, memory.Fact{
			ID:         factID(subject, content),
			Subject:    subject,
			Content:    content,
			Source:     callID,
			Confidence: c.Confidence,
			CreatedAt:  e.now(),
		})
		if len(facts) >= e.maxFacts {
			break
		}
	}
	return facts
}

// Recall embeds query and returns the topK closest stored facts.
func (e *Extractor) Recall(ctx context.Context, query string, topK int) ([]memory.FactResult, error) {
	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed query: %w", err)
	}
	results, err := e.store.SearchFacts(ctx, vec, topK, memory.FactFilter{})
	if err != nil {
		return nil, fmt.Errorf("knowledge: search facts: %w", err)
	}
	return results, nil
}

// factCandidate is one element of the LLM's JSON answer.
type factCandidate struct {
	Subject    string  `json:"subject"`
	Fact       string  `json:"fact"`
	Confidence float64 `json:"confidence"`
}

// formatTurn renders a turn as the user message for the extraction prompt.
func formatTurn(turn transcript.Turn) string {
	var sb strings.Builder
	if turn.User != "" {
		fmt.Fprintf(&sb, "[user]: %s\n", turn.User)
	}
	if turn.Model != "" {
		fmt.Fprintf(&sb, "[assistant]: %s\n", turn.Model)
	}
	return sb.String()
}

// parseFacts decodes the model's JSON array, tolerating a markdown code fence
// around it.
func parseFacts(content string) ([]factCandidate, error) {
	trimmed := strings.TrimSpace(content)
	if fenced, ok := strings.CutPrefix(trimmed, "```"); ok {
		// Drop an optional language tag ("json") after the opening fence.
		if nl := strings.IndexByte(fenced, '\n'); nl >= 0 {
			fenced = fenced[nl+1:]
		}
		fenced, _ = strings.CutSuffix(strings.TrimSpace(fenced), "```")
		trimmed = strings.TrimSpace(fenced)
	}
	if trimmed == "" || trimmed == "[]" {
		return nil, nil
	}

	var candidates []factCandidate
	if err := json.Unmarshal([]byte(trimmed), &candidates); err != nil {
		return nil, fmt.Errorf("unmarshal fact array: %w", err)
	}
	return candidates, nil
}

// factID derives a stable identifier from the canonical subject and content so
// that re-extracting the same knowledge updates in place.
func factID(subject, content string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(subject) + "|" + strings.ToLower(content)))
	return "fact-" + hex.EncodeToString(sum[:8])
}
