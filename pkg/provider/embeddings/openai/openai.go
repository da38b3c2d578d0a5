// Package openai adapts the OpenAI embeddings API to the
// [embeddings.Provider] interface. It is the default vector backend for the
// fact store: extracted facts go up in one EmbedBatch call per turn, recall
// queries as single Embed calls.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/parley-voice/parley/pkg/provider/embeddings"
)

// DefaultModel is used when no model is configured.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

// modelDims maps known OpenAI embedding models to their output width.
var modelDims = map[string]int{
	"text-embedding-3-large": 3072,
	"text-embedding-3-small": 1536,
	"text-embedding-ada-002": 1536,
}

// defaultDims matches text-embedding-3-small, the fallback for models the
// table does not know.
const defaultDims = 1536

var _ embeddings.Provider = (*Provider)(nil)

// Provider implements [embeddings.Provider] on the official OpenAI SDK.
// Safe for concurrent use.
type Provider struct {
	client oai.Client
	model  string
}

// settings collects SDK request options during construction.
type settings struct {
	reqOpts []option.RequestOption
}

// Option configures a Provider.
type Option func(*settings)

// WithBaseURL points the client at a different API host. Used to target
// OpenAI-compatible gateways and test servers.
func WithBaseURL(url string) Option {
	return func(s *settings) {
		s.reqOpts = append(s.reqOpts, option.WithBaseURL(url))
	}
}

// WithOrganization stamps the organization ID on every request.
func WithOrganization(org string) Option {
	return func(s *settings) {
		s.reqOpts = append(s.reqOpts, option.WithOrganization(org))
	}
}

// WithTimeout caps each HTTP round trip.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.reqOpts = append(s.reqOpts, option.WithHTTPClient(&http.Client{Timeout: d}))
	}
}

// New creates a Provider. The API key is required; an empty model means
// [DefaultModel].
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embeddings: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	s := settings{reqOpts: []option.RequestOption{option.WithAPIKey(apiKey)}}
	for _, o := range opts {
		o(&s)
	}

	return &Provider{client: oai.NewClient(s.reqOpts...), model: model}, nil
}

// EmbedBatch implements [embeddings.Provider]. All texts travel in one API
// call; the response arrives keyed by index, so the result is reassembled
// into input order before returning. An empty slice is a no-op.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed batch: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	vecs := make([][]float32, len(texts))
	for _, e := range resp.Data {
		if int(e.Index) >= len(texts) {
			return nil, fmt.Errorf("openai embeddings: unexpected index %d", e.Index)
		}
		vecs[e.Index] = toFloat32(e.Embedding)
	}
	return vecs, nil
}

// Embed implements [embeddings.Provider] as a batch of one.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Dimensions implements [embeddings.Provider].
func (p *Provider) Dimensions() int {
	if d, ok := modelDims[strings.ToLower(p.model)]; ok {
		return d
	}
	return defaultDims
}

// ModelID implements [embeddings.Provider].
func (p *Provider) ModelID() string {
	return p.model
}

// toFloat32 narrows the SDK's float64 vectors to the float32 the store keeps.
func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
