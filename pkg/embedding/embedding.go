// Package embedding turns chunk text into vectors for similarity search.
package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Provider generates vector embeddings from text
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	// Name identifies the vector space: providers whose vectors are not
	// comparable must return different names.
	Name() string
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// DefaultHashingDimension is the vector size used by HashingProvider when none is given.
const DefaultHashingDimension = 384

// HashingProvider is a deterministic, offline embedder. Lower-cased word
// unigrams and bigrams are hashed into a fixed number of buckets and the
// resulting vector is L2 normalized.
type HashingProvider struct {
	dimension int
}

// NewHashingProvider creates a hashing embedder with the given dimension.
func NewHashingProvider(dimension int) *HashingProvider {
	if dimension <= 0 {
		dimension = DefaultHashingDimension
	}
	return &HashingProvider{dimension: dimension}
}

func (p *HashingProvider) Dimension() int { return p.dimension }

func (p *HashingProvider) Name() string { return fmt.Sprintf("hashing-%d", p.dimension) }

func (p *HashingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, p.dimension)
	tokens := tokenize(text)
	for i, tok := range tokens {
		p.add(vec, tok, 1)
		if i > 0 {
			p.add(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

func (p *HashingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := p.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (p *HashingProvider) add(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()

	idx := int(sum % uint64(p.dimension))
	// One hash bit picks the sign so collisions tend to cancel out.
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Config selects and configures an embedding provider.
type Config struct {
	Provider  string `json:"provider" mapstructure:"provider"` // hashing, openai
	Model     string `json:"model" mapstructure:"model"`
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	BaseURL   string `json:"base_url" mapstructure:"base_url"`
	Dimension int    `json:"dimension" mapstructure:"dimension"`
}

// New creates an embedding provider from configuration.
func New(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "", "hashing":
		return NewHashingProvider(cfg.Dimension), nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai embedding provider requires an api key")
		}
		return NewOpenAIProvider(cfg.APIKey, cfg.Model, cfg.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}
