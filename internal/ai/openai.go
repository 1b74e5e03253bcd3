package ai

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

type OpenAIClient struct {
	config *ClientConfig
	http   *http.Client
}

func NewOpenAIClient(config *ClientConfig) *OpenAIClient {
	if config.EmbedModel == "" {
		config.EmbedModel = "text-embedding-3-small"
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultOpenAIBaseURL
	}
	if config.Dim == 0 {
		switch config.EmbedModel {
		case "text-embedding-3-large":
			config.Dim = 3072
		default:
			config.Dim = 1536
		}
	}

	transport := &http.Transport{}

	// Corporate proxies sometimes re-sign TLS.
	if skipTLS, _ := strconv.ParseBool(os.Getenv("REPORADAR_SKIP_TLS_VERIFY")); skipTLS {
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	}

	return &OpenAIClient{
		config: config,
		http: &http.Client{
			Timeout:   20 * time.Second,
			Transport: transport,
		},
	}
}

// Embed implements the embedding functionality
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch sends all texts in one request and returns vectors in input order.
func (c *OpenAIClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if c.config.APIKey == "" {
		return nil, errors.New("PROVIDER_API_KEY unset")
	}
	if len(texts) == 0 {
		return nil, errors.New("no input texts")
	}

	payload := map[string]any{
		"input": texts,
		"model": c.config.EmbedModel,
	}
	if strings.HasPrefix(c.config.EmbedModel, "text-embedding-3") {
		payload["dimensions"] = c.config.Dim
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(c.config.BaseURL, "/")+"/embeddings", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close response body")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		var e struct{ Error struct{ Message string } }
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error.Message != "" {
			return nil, fmt.Errorf("openai embedding %d: %s", resp.StatusCode, e.Error.Message)
		}
		return nil, fmt.Errorf("openai embedding non-200: %s", resp.Status)
	}

	var out struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("openai returned %d embeddings for %d inputs", len(out.Data), len(texts))
	}
	sort.Slice(out.Data, func(i, j int) bool { return out.Data[i].Index < out.Data[j].Index })

	vecs := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

func (c *OpenAIClient) Dim() int {
	return c.config.Dim
}

// setHeaders sets common headers for OpenAI requests
func (c *OpenAIClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	if strings.HasPrefix(c.config.APIKey, "sk-proj-") && c.config.ProjectID != "" {
		req.Header.Set("OpenAI-Project", c.config.ProjectID)
	}
}
