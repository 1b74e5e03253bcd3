package search

import (
	"context"
	"fmt"
	"sort"

	"github.com/seanblong/reporadar/pkg/models"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultOversample = 3
	DefaultLimit      = 20
	MaxLimit          = 100
	DefaultMinScore   = 0.3
)

// DefaultWeights favours what a project does over what it is built with.
var DefaultWeights = models.Weights{Purpose: 0.7, Stack: 0.3}

// VectorSearcher is the nearest-neighbour view of the store the engine needs.
type VectorSearcher interface {
	SearchByVector(ctx context.Context, space models.Space, vec []float32, limit int) ([]models.Candidate, error)
}

// Engine merges per-space nearest neighbours into one weighted ranking.
type Engine struct {
	Store      VectorSearcher
	Oversample int
}

func NewEngine(s VectorSearcher, oversample int) *Engine {
	if oversample <= 0 {
		oversample = DefaultOversample
	}
	return &Engine{Store: s, Oversample: oversample}
}

// Search queries both spaces concurrently with oversample*limit candidates
// each, then merges and ranks them.
func (e *Engine) Search(ctx context.Context, queryID int64, pair models.EmbeddingPair, w models.Weights, limit int, minScore float64) ([]models.RankedResult, error) {
	if limit <= 0 {
		return []models.RankedResult{}, nil
	}
	k := limit * e.Oversample

	var purpose, stack []models.Candidate
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := e.Store.SearchByVector(gctx, models.SpacePurpose, pair.Purpose, k)
		if err != nil {
			return fmt.Errorf("purpose search: %w", err)
		}
		purpose = c
		return nil
	})
	g.Go(func() error {
		c, err := e.Store.SearchByVector(gctx, models.SpaceStack, pair.Stack, k)
		if err != nil {
			return fmt.Errorf("stack search: %w", err)
		}
		stack = c
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return Merge(queryID, purpose, stack, w, limit, minScore), nil
}

// Merge combines candidates by id. A candidate missing from one space scores
// 0 there and is still ranked. Results below minScore and the query itself are
// dropped; ordering is score desc, stars desc, id asc.
func Merge(queryID int64, purpose, stack []models.Candidate, w models.Weights, limit int, minScore float64) []models.RankedResult {
	byID := make(map[int64]*models.RankedResult, len(purpose)+len(stack))
	get := func(c models.Candidate) *models.RankedResult {
		r, ok := byID[c.Record.ID]
		if !ok {
			r = &models.RankedResult{Record: c.Record}
			byID[c.Record.ID] = r
		}
		return r
	}
	for _, c := range purpose {
		get(c).PurposeScore = c.Score
	}
	for _, c := range stack {
		get(c).StackScore = c.Score
	}

	out := make([]models.RankedResult, 0, len(byID))
	for id, r := range byID {
		if id == queryID {
			continue
		}
		r.SimilarityScore = w.Purpose*r.PurposeScore + w.Stack*r.StackScore
		if r.SimilarityScore < minScore {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.SimilarityScore != b.SimilarityScore {
			return a.SimilarityScore > b.SimilarityScore
		}
		if a.Record.Stars != b.Record.Stars {
			return a.Record.Stars > b.Record.Stars
		}
		return a.Record.ID < b.Record.ID
	})
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
