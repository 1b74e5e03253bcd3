package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type VertexAIClient struct {
	config *ClientConfig
	client *genai.Client
}

// NewVertexAIClient creates a new client for Vertex AI text embeddings.
func NewVertexAIClient(ctx context.Context, config *ClientConfig) (*VertexAIClient, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}

	if config.EmbedModel == "" {
		config.EmbedModel = "text-embedding-005"
	}
	if config.Dim == 0 {
		config.Dim = 768
	}
	if config.Location == "" && strings.TrimSpace(config.APIKey) == "" {
		config.Location = "us-central1"
	}

	cc := genai.ClientConfig{
		Backend: genai.BackendVertexAI,
	}
	if strings.TrimSpace(config.APIKey) != "" {
		cc.APIKey = config.APIKey
	}
	if strings.TrimSpace(config.ProjectID) != "" {
		cc.Project = config.ProjectID
	}
	if strings.TrimSpace(config.Location) != "" {
		cc.Location = config.Location
	}

	client, err := genai.NewClient(ctx, &cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vertex AI client: %w", err)
	}

	return &VertexAIClient{
		config: config,
		client: client,
	}, nil
}

// Embed implements the embedding functionality
func (c *VertexAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds every text in a single request.
func (c *VertexAIClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if c.client == nil {
		return nil, errors.New("vertex ai client not initialized")
	}
	if len(texts) == 0 {
		return nil, errors.New("no input texts")
	}

	contents := make([]*genai.Content, 0, len(texts))
	for _, t := range texts {
		contents = append(contents, genai.Text(t)...)
	}

	cfg := genai.EmbedContentConfig{
		TaskType: "SEMANTIC_SIMILARITY",
	}
	res, err := c.client.Models.EmbedContent(ctx, c.config.EmbedModel, contents, &cfg)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	if res == nil || len(res.Embeddings) != len(texts) {
		return nil, errors.New("unexpected number of embeddings returned")
	}

	vecs := make([][]float32, len(res.Embeddings))
	for i, e := range res.Embeddings {
		if e == nil {
			return nil, fmt.Errorf("missing embedding at index %d", i)
		}
		vecs[i] = e.Values
	}
	return vecs, nil
}

func (c *VertexAIClient) Dim() int {
	return c.config.Dim
}
