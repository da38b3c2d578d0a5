// Package ollama adapts a local Ollama server's /api/embed endpoint to the
// [embeddings.Provider] interface, so extracted conversation facts can be
// vectorized without leaving the machine.
//
// The fact extractor drives this adapter batch-first: one EmbedBatch request
// per completed turn carrying however many facts it yielded, plus a
// single-text Embed when recalling facts for a new persona.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/parley-voice/parley/pkg/provider/embeddings"
)

// DefaultBaseURL targets a stock local Ollama install.
const DefaultBaseURL = "http://localhost:11434"

// modelDims lists the output width of the embedding models Ollama commonly
// serves. Anything else is measured against the live server on first use.
var modelDims = map[string]int{
	"nomic-embed-text":  768,
	"mxbai-embed-large": 1024,
	"all-minilm":        384,
}

var _ embeddings.Provider = (*Provider)(nil)

// Provider talks to one Ollama server with one fixed model. Safe for
// concurrent use.
type Provider struct {
	baseURL string
	model   string
	client  *http.Client

	dims        int
	measureOnce sync.Once
}

// Option configures a Provider.
type Option func(*Provider)

// WithTimeout caps each HTTP round trip. Zero or negative leaves requests
// uncapped (the default).
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.client.Timeout = d
		}
	}
}

// WithDimensions pins the vector width up front, skipping both the built-in
// model table and the first-use measurement against the server.
func WithDimensions(n int) Option {
	return func(p *Provider) {
		p.dims = n
	}
}

// New creates a Provider for model on the Ollama server at baseURL. An empty
// baseURL means [DefaultBaseURL]; the model name is required.
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama embeddings: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	p := &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	if p.dims == 0 {
		p.dims = lookupDims(model)
	}
	return p, nil
}

// EmbedBatch implements [embeddings.Provider]. All texts travel in one
// /api/embed request and come back in input order; an empty slice is a
// no-op. On any failure nothing is returned — partial batches would leave
// the fact store holding facts without vectors.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := p.post(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed batch: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("ollama embeddings: embed batch: expected %d embeddings, got %d", len(texts), len(vecs))
	}
	return vecs, nil
}

// Embed implements [embeddings.Provider] as a batch of one. The text goes to
// the server verbatim; any model-specific prefix ("query: ", "passage: ") is
// the caller's business.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Dimensions implements [embeddings.Provider]. A width neither pinned via
// [WithDimensions] nor found in the model table is measured once by
// embedding a single throwaway text; the result is cached for the Provider's
// lifetime and a failed measurement reads 0.
func (p *Provider) Dimensions() int {
	if p.dims != 0 {
		return p.dims
	}
	p.measureOnce.Do(func() {
		vecs, err := p.post(context.Background(), []string{"dimension check"})
		if err != nil || len(vecs) == 0 {
			return
		}
		p.dims = len(vecs[0])
	})
	return p.dims
}

// ModelID implements [embeddings.Provider].
func (p *Provider) ModelID() string {
	return p.model
}

// post runs one /api/embed round trip.
func (p *Provider) post(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(body.Embeddings) == 0 {
		return nil, fmt.Errorf("empty embeddings in response")
	}
	return body.Embeddings, nil
}

// lookupDims resolves the table entry for model, ignoring an Ollama ":tag"
// suffix ("nomic-embed-text:latest").
func lookupDims(model string) int {
	name, _, _ := strings.Cut(strings.ToLower(model), ":")
	return modelDims[name]
}
