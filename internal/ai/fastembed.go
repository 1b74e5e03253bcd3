//go:build cgo

package ai

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	fastembed "github.com/anush008/fastembed-go"
)

var fastembedModels = map[string]fastembed.EmbeddingModel{
	"BAAI/bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"BAAI/bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,
}

var fastembedDims = map[fastembed.EmbeddingModel]int{
	fastembed.BGESmallENV15: 384,
	fastembed.BGEBaseENV15:  768,
	fastembed.AllMiniLML6V2: 384,
}

// FastEmbedClient runs a local ONNX model. The underlying session is not
// safe for concurrent use, so calls are serialized.
type FastEmbedClient struct {
	mu    sync.Mutex
	model *fastembed.FlagEmbedding
	dim   int
}

// NewFastEmbedClient loads (and on first use downloads) the configured model.
func NewFastEmbedClient(config *ClientConfig) (*FastEmbedClient, error) {
	name := config.EmbedModel
	if name == "" {
		name = "BAAI/bge-small-en-v1.5"
	}
	model, ok := fastembedModels[name]
	if !ok {
		return nil, fmt.Errorf("unsupported fastembed model %q", name)
	}
	cacheDir := config.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(".", "local_cache")
	}
	maxLength := config.MaxLength
	if maxLength == 0 {
		maxLength = 512
	}
	showProgress := false

	fe, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                model,
		CacheDir:             cacheDir,
		MaxLength:            maxLength,
		ShowDownloadProgress: &showProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing fastembed: %w", err)
	}
	config.Dim = fastembedDims[model]
	return &FastEmbedClient{model: fe, dim: config.Dim}, nil
}

func (c *FastEmbedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *FastEmbedClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model.PassageEmbed(texts, 256)
}

func (c *FastEmbedClient) Dim() int { return c.dim }

// Close releases the ONNX session.
func (c *FastEmbedClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.model != nil {
		return c.model.Destroy()
	}
	return nil
}
