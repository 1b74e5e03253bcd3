package ai

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"unicode"
)

// Embedder turns text into dense vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}

// Provider is enumeration of supported embedding providers
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderVertexAI  Provider = "vertexai"
	ProviderFastEmbed Provider = "fastembed"
	ProviderStub      Provider = "stub"
)

// DefaultStubDim matches BAAI/bge-small-en-v1.5.
const DefaultStubDim = 384

// ClientConfig holds configuration for embedding clients
type ClientConfig struct {
	APIKey     string
	EmbedModel string
	Dim        int
	ProjectID  string
	Provider   Provider
	Location   string
	// BaseURL overrides the OpenAI-compatible endpoint.
	BaseURL string
	// CacheDir and MaxLength apply to local models.
	CacheDir  string
	MaxLength int
}

// NewClient creates a new embedding client based on configuration
func NewClient(ctx context.Context, config *ClientConfig) (Embedder, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}

	switch config.Provider {
	case ProviderOpenAI:
		return NewOpenAIClient(config), nil
	case ProviderVertexAI:
		c, err := NewVertexAIClient(ctx, config)
		if err != nil {
			return nil, err
		}
		return c, nil
	case ProviderFastEmbed:
		c, err := NewFastEmbedClient(config)
		if err != nil {
			return nil, err
		}
		return c, nil
	case ProviderStub, "":
		return NewStubClient(config.Dim), nil
	default:
		return nil, errors.New("unsupported provider: " + string(config.Provider))
	}
}

// StubClient is a deterministic, dependency-free embedder for development and
// tests. Each word is hashed into a bucket, so texts sharing vocabulary land
// close together.
type StubClient struct {
	dim int
}

// NewStubClient creates a new StubClient
func NewStubClient(dim int) *StubClient {
	if dim <= 0 {
		dim = DefaultStubDim
	}
	return &StubClient{dim: dim}
}

// Embed implements the embedding functionality
func (s *StubClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := make([]float32, s.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%uint32(s.dim)]++
	}
	if len(words) == 0 {
		v[0] = 1
	}
	return v, nil
}

// EmbedBatch embeds each text independently.
func (s *StubClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dim returns the embedding dimension
func (s *StubClient) Dim() int {
	return s.dim
}
