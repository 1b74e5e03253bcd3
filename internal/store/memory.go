package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/seanblong/reporadar/pkg/models"
)

type memEntry struct {
	rec  models.RepositoryRecord
	pair models.EmbeddingPair
}

// MemoryStore is an exact-search in-process backend used for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[int64]memEntry
	dim     int
}

func NewMemory() *MemoryStore {
	return &MemoryStore{entries: make(map[int64]memEntry)}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) Migrate(_ context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("invalid embedding dimension %d", dim)
	}
	s.mu.Lock()
	s.dim = dim
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Upsert(_ context.Context, rec models.RepositoryRecord, pair models.EmbeddingPair) error {
	if err := checkPair(pair); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dim > 0 && (len(pair.Purpose) != s.dim || len(pair.Stack) != s.dim) {
		return fmt.Errorf("upsert: expected dimension %d, got %d/%d", s.dim, len(pair.Purpose), len(pair.Stack))
	}
	key := strings.ToLower(rec.FullName)
	for id, e := range s.entries {
		if id != rec.ID && strings.ToLower(e.rec.FullName) == key {
			delete(s.entries, id)
		}
	}
	if rec.IndexedAt.IsZero() {
		rec.IndexedAt = time.Now().UTC()
	}
	s.entries[rec.ID] = memEntry{
		rec: rec,
		pair: models.EmbeddingPair{
			Purpose: append([]float32(nil), pair.Purpose...),
			Stack:   append([]float32(nil), pair.Stack...),
		},
	}
	return nil
}

func (s *MemoryStore) SearchByVector(_ context.Context, space models.Space, vec []float32, limit int) ([]models.Candidate, error) {
	if _, err := vectorColumn(space); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]models.Candidate, 0, len(s.entries))
	for _, e := range s.entries {
		v := e.pair.Purpose
		if space == models.SpaceStack {
			v = e.pair.Stack
		}
		out = append(out, models.Candidate{Record: e.rec, Score: cosine(vec, v)})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Record.ID < out[j].Record.ID
	})
	if n := normalizeLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (models.RepositoryRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e.rec, ok, nil
}

func (s *MemoryStore) GetByFullName(_ context.Context, fullName string) (models.RepositoryRecord, bool, error) {
	key := strings.ToLower(fullName)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if strings.ToLower(e.rec.FullName) == key {
			return e.rec, true, nil
		}
	}
	return models.RepositoryRecord{}, false, nil
}

func (s *MemoryStore) Vectors(_ context.Context, id int64) (models.EmbeddingPair, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e.pair, ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, id int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[id]
	return ok, nil
}

func (s *MemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries)), nil
}

func (s *MemoryStore) ListStale(_ context.Context, before time.Time, limit int) ([]models.RepositoryRecord, error) {
	s.mu.RLock()
	var out []models.RepositoryRecord
	for _, e := range s.entries {
		if e.rec.IndexedAt.Before(before) {
			out = append(out, e.rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].IndexedAt.Before(out[j].IndexedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
