package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seanblong/reporadar/pkg/models"
)

// DefaultTimeout bounds every store round trip.
const DefaultTimeout = 5 * time.Second

// ErrUnavailable marks failures caused by an unreachable or timed out backend.
var ErrUnavailable = errors.New("vector store unavailable")

// VectorStore persists repository records with their purpose and stack vectors.
type VectorStore interface {
	Migrate(ctx context.Context, dim int) error
	Upsert(ctx context.Context, rec models.RepositoryRecord, pair models.EmbeddingPair) error
	SearchByVector(ctx context.Context, space models.Space, vec []float32, limit int) ([]models.Candidate, error)
	Get(ctx context.Context, id int64) (models.RepositoryRecord, bool, error)
	GetByFullName(ctx context.Context, fullName string) (models.RepositoryRecord, bool, error)
	Vectors(ctx context.Context, id int64) (models.EmbeddingPair, bool, error)
	Delete(ctx context.Context, id int64) error
	Exists(ctx context.Context, id int64) (bool, error)
	Count(ctx context.Context) (int64, error)
	// ListStale returns records indexed before the cutoff, oldest first. A
	// limit of zero or less returns all of them.
	ListStale(ctx context.Context, before time.Time, limit int) ([]models.RepositoryRecord, error)
	Ping(ctx context.Context) error
	Close()
}

const (
	BackendPgvector = "pgvector"
	BackendQdrant   = "qdrant"
	BackendMemory   = "memory"
)

// Config selects and configures a backend.
type Config struct {
	Backend     string
	DatabaseURL string
	Qdrant      QdrantConfig
}

// Open connects to the configured backend. It does not run migrations.
func Open(ctx context.Context, cfg Config) (VectorStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendPgvector, "postgres":
		s, err := New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendQdrant:
		s, err := NewQdrant(cfg.Qdrant)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, DefaultTimeout)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(ErrUnavailable, err))
}

func checkPair(pair models.EmbeddingPair) error {
	if len(pair.Purpose) == 0 || len(pair.Stack) == 0 {
		return errors.New("both purpose and stack vectors are required")
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 10
	}
	return limit
}
