package ai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/seanblong/reporadar/internal/metrics"
	"github.com/seanblong/reporadar/pkg/models"
)

// DefaultEmbedTimeout bounds a single embedding batch.
const DefaultEmbedTimeout = 15 * time.Second

// EmbeddingError marks a failed embedding attempt. It is never retried.
type EmbeddingError struct {
	Err error
}

func (e *EmbeddingError) Error() string { return "embedding failed: " + e.Err.Error() }
func (e *EmbeddingError) Unwrap() error { return e.Err }

// IsEmbeddingError reports whether err came from the embedding gateway.
func IsEmbeddingError(err error) bool {
	var ee *EmbeddingError
	return errors.As(err, &ee)
}

// GatewayOptions configures a Gateway.
type GatewayOptions struct {
	Timeout time.Duration
	// Workers bounds concurrent inference calls. Defaults to GOMAXPROCS.
	Workers int
}

// Gateway wraps an Embedder with warm-up, batching, timeouts, dimension
// checks and L2 normalization.
type Gateway struct {
	embedder Embedder
	timeout  time.Duration
	sem      *semaphore.Weighted

	warmMu sync.Mutex
	warmed bool
}

// NewGateway creates a gateway over e.
func NewGateway(e Embedder, opts GatewayOptions) *Gateway {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultEmbedTimeout
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	return &Gateway{
		embedder: e,
		timeout:  opts.Timeout,
		sem:      semaphore.NewWeighted(int64(opts.Workers)),
	}
}

// Dim is the dimension every returned vector has.
func (g *Gateway) Dim() int { return g.embedder.Dim() }

// WarmUp runs one throwaway inference so model loading happens before the
// first real request. After the first success it is a no-op.
func (g *Gateway) WarmUp(ctx context.Context) error {
	g.warmMu.Lock()
	defer g.warmMu.Unlock()
	if g.warmed {
		return nil
	}
	start := time.Now()
	if _, err := g.embed(ctx, []string{"warm up"}); err != nil {
		return err
	}
	g.warmed = true
	log.Info().Int("dim", g.Dim()).Dur("took", time.Since(start)).Msg("embedding model ready")
	return nil
}

// EmbedPair embeds the purpose and stack texts in one batch.
func (g *Gateway) EmbedPair(ctx context.Context, purpose, stack string) (models.EmbeddingPair, error) {
	if err := g.WarmUp(ctx); err != nil {
		return models.EmbeddingPair{}, err
	}
	vecs, err := g.embed(ctx, []string{purpose, stack})
	if err != nil {
		return models.EmbeddingPair{}, err
	}
	return models.EmbeddingPair{Purpose: vecs[0], Stack: vecs[1]}, nil
}

func (g *Gateway) embed(ctx context.Context, texts []string) ([][]float32, error) {
	m := metrics.Get()
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, &EmbeddingError{Err: err}
	}
	defer g.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	vecs, err := g.embedder.EmbedBatch(ctx, texts)
	metrics.ObserveSince(m.EmbedDuration, start)
	if err != nil {
		m.EmbedErrors.Inc()
		return nil, &EmbeddingError{Err: err}
	}
	if len(vecs) != len(texts) {
		m.EmbedErrors.Inc()
		return nil, &EmbeddingError{Err: fmt.Errorf("got %d vectors for %d inputs", len(vecs), len(texts))}
	}

	dim := g.embedder.Dim()
	for i, v := range vecs {
		if dim > 0 && len(v) != dim {
			m.EmbedErrors.Inc()
			return nil, &EmbeddingError{Err: fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), dim)}
		}
		if err := Normalize(v); err != nil {
			m.EmbedErrors.Inc()
			return nil, &EmbeddingError{Err: fmt.Errorf("vector %d: %w", i, err)}
		}
	}
	return vecs, nil
}

// Normalize scales v to unit length in place.
func Normalize(v []float32) error {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return errors.New("vector has no usable magnitude")
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return nil
}
