package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/reporadar/internal/indexer"
	"github.com/seanblong/reporadar/internal/metrics"
	"github.com/seanblong/reporadar/internal/store"
	"github.com/seanblong/reporadar/pkg/models"
)

// minStarsOverfetch widens the candidate pool when a star filter may discard results.
const minStarsOverfetch = 3

// SubjectError means the query repository could not be indexed.
type SubjectError struct {
	Repo string
	Err  error
}

func (e *SubjectError) Error() string {
	return fmt.Sprintf("could not index query repository %s: %v", e.Repo, e.Err)
}
func (e *SubjectError) Unwrap() error { return e.Err }

// RepositoryIndexer is the part of the indexer the search service needs.
type RepositoryIndexer interface {
	IndexRepository(ctx context.Context, ref models.RepoRef, opts indexer.Options) (models.IndexResult, error)
}

// Response is the outcome of a similarity query.
type Response struct {
	QueryRepo       models.RepositoryRecord
	Results         []models.RankedResult
	IndexedCount    int64
	SearchTime      time.Duration
	IndexedOnDemand bool
	IndexTime       time.Duration
}

type Service struct {
	Engine  *Engine
	Store   store.VectorStore
	Indexer RepositoryIndexer
}

// NewService creates a new search service over the store and indexer.
func NewService(engine *Engine, s store.VectorStore, ix RepositoryIndexer) *Service {
	return &Service{Engine: engine, Store: s, Indexer: ix}
}

// Similar finds repositories similar to q.Repo, indexing it first when it
// is not stored yet.
func (s *Service) Similar(ctx context.Context, q models.Query) (*Response, error) {
	start := time.Now()
	m := metrics.Get()
	resp := &Response{}

	subject, ok, err := s.Store.GetByFullName(ctx, q.Repo.FullName())
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", q.Repo, err)
	}
	if !ok {
		idxStart := time.Now()
		res, err := s.Indexer.IndexRepository(ctx, q.Repo, indexer.Options{})
		if err != nil {
			return nil, &SubjectError{Repo: q.Repo.FullName(), Err: err}
		}
		resp.IndexedOnDemand = res.Status == models.StatusIndexed
		resp.IndexTime = time.Since(idxStart)
		subject, ok, err = s.Store.Get(ctx, res.RepoID)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", q.Repo, err)
		}
		if !ok {
			return nil, &SubjectError{Repo: q.Repo.FullName(), Err: errors.New("record missing after indexing")}
		}
	}
	resp.QueryRepo = subject

	pair, ok, err := s.Store.Vectors(ctx, subject.ID)
	if err != nil {
		return nil, fmt.Errorf("load vectors for %s: %w", subject.FullName, err)
	}
	if !ok {
		return nil, &SubjectError{Repo: subject.FullName, Err: errors.New("stored vectors missing")}
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	fetch := limit
	if q.MinStars > 0 {
		fetch = limit * minStarsOverfetch
	}
	results, err := s.Engine.Search(ctx, subject.ID, pair, q.Weights, fetch, q.MinScore)
	if err != nil {
		return nil, err
	}
	if q.MinStars > 0 {
		kept := results[:0]
		for _, r := range results {
			if r.Record.Stars >= q.MinStars {
				kept = append(kept, r)
			}
		}
		results = kept
	}
	if len(results) > limit {
		results = results[:limit]
	}
	resp.Results = results

	count, err := s.Store.Count(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("count indexed repositories failed")
	}
	resp.IndexedCount = count
	resp.SearchTime = time.Since(start)

	m.SearchDuration.Observe(resp.SearchTime.Seconds())
	m.SearchResults.Observe(float64(len(results)))
	log.Info().
		Str("repo", subject.FullName).
		Int("results", len(results)).
		Bool("indexed_on_demand", resp.IndexedOnDemand).
		Dur("took", resp.SearchTime).
		Msg("similarity search")
	return resp, nil
}
