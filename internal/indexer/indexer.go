package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/reporadar/internal/compose"
	"github.com/seanblong/reporadar/internal/github"
	"github.com/seanblong/reporadar/internal/metrics"
	"github.com/seanblong/reporadar/internal/ratelimit"
	"github.com/seanblong/reporadar/internal/store"
	"github.com/seanblong/reporadar/pkg/models"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultConcurrency = 8
	MaxConcurrency     = 16
	DefaultMaxAttempts = 3
	// FlightTimeout bounds a shared pipeline run once it no longer follows
	// the cancellation of the caller that started it.
	FlightTimeout = 2 * time.Minute
)

// PairEmbedder turns the two composed texts into an embedding pair.
type PairEmbedder interface {
	EmbedPair(ctx context.Context, purpose, stack string) (models.EmbeddingPair, error)
}

// Stage names the pipeline step an indexing attempt failed in.
type Stage string

const (
	StageFetch Stage = "fetch"
	StageEmbed Stage = "embed"
	StageStore Stage = "store"
)

// Error is a failed indexing attempt.
type Error struct {
	Repo  string
	Stage Stage
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("index %s: %s: %v", e.Repo, e.Stage, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Config tunes freshness and batch behaviour.
type Config struct {
	StaleAfter  time.Duration
	Concurrency int
	MaxAttempts int
}

// Options modify a single index request.
type Options struct {
	// Force re-indexes even when the stored record is fresh.
	Force bool
}

// Indexer turns repository references into stored records with both vectors.
type Indexer struct {
	Store    store.VectorStore
	Fetcher  github.Fetcher
	Embedder PairEmbedder

	staleAfter  time.Duration
	concurrency int
	maxAttempts int

	sf    singleflight.Group
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a new Indexer instance.
func New(s store.VectorStore, f github.Fetcher, e PairEmbedder, cfg Config) *Indexer {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = models.DefaultStaleAfter
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Concurrency > MaxConcurrency {
		cfg.Concurrency = MaxConcurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Indexer{
		Store:       s,
		Fetcher:     f,
		Embedder:    e,
		staleAfter:  cfg.StaleAfter,
		concurrency: cfg.Concurrency,
		maxAttempts: cfg.MaxAttempts,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// IndexRepository makes sure ref is stored and fresh. A fresh record is
// reported as already indexed without any fetch or embedding work.
// Concurrent calls for the same repository share a single pipeline run, and
// forced calls share a separate one. A caller whose ctx ends stops waiting
// without aborting the run for the others.
func (ix *Indexer) IndexRepository(ctx context.Context, ref models.RepoRef, opts Options) (models.IndexResult, error) {
	m := metrics.Get()
	if !opts.Force {
		if res, ok, err := ix.fresh(ctx, ref); err != nil || ok {
			if ok {
				m.IndexTotal.WithLabelValues(string(models.StatusAlreadyIndexed)).Inc()
			}
			return res, err
		}
	}

	if err := ctx.Err(); err != nil {
		m.IndexTotal.WithLabelValues(string(models.StatusFailed)).Inc()
		return models.IndexResult{}, err
	}

	key := ref.Key()
	if opts.Force {
		key += "#force"
	}
	ch := ix.sf.DoChan(key, func() (any, error) {
		// detached from the starter's cancellation; joiners may still be waiting
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), FlightTimeout)
		defer cancel()
		// a previous flight may have finished between the check above and here
		if !opts.Force {
			if res, ok, err := ix.fresh(fctx, ref); err != nil || ok {
				return res, err
			}
		}
		return ix.run(fctx, ref)
	})

	var v any
	var err error
	select {
	case <-ctx.Done():
		m.IndexTotal.WithLabelValues(string(models.StatusFailed)).Inc()
		return models.IndexResult{}, ctx.Err()
	case r := <-ch:
		v, err = r.Val, r.Err
	}
	if err != nil {
		m.IndexTotal.WithLabelValues(string(models.StatusFailed)).Inc()
		return models.IndexResult{}, err
	}
	res := v.(models.IndexResult)
	m.IndexTotal.WithLabelValues(string(res.Status)).Inc()
	return res, nil
}

func (ix *Indexer) fresh(ctx context.Context, ref models.RepoRef) (models.IndexResult, bool, error) {
	rec, ok, err := ix.Store.GetByFullName(ctx, ref.FullName())
	if err != nil {
		return models.IndexResult{}, false, &Error{Repo: ref.FullName(), Stage: StageStore, Err: err}
	}
	if !ok || rec.IsStale(ix.now(), ix.staleAfter) {
		return models.IndexResult{}, false, nil
	}
	return models.IndexResult{Status: models.StatusAlreadyIndexed, RepoID: rec.ID, FullName: rec.FullName}, true, nil
}

type fetched struct {
	meta      *github.Metadata
	readme    string
	languages map[string]float64
	manifests map[string]string
}

// run executes fetch, compose, embed and upsert for one repository.
func (ix *Indexer) run(ctx context.Context, ref models.RepoRef) (models.IndexResult, error) {
	start := ix.now()
	name := ref.FullName()
	log.Info().Str("repo", name).Msg("indexing repository")

	f, err := ix.fetch(ctx, ref)
	if err != nil {
		log.Warn().Err(err).Str("repo", name).Msg("fetch failed")
		return models.IndexResult{}, &Error{Repo: name, Stage: StageFetch, Err: err}
	}

	purpose, stack := composeTexts(f)
	pair, err := ix.Embedder.EmbedPair(ctx, purpose, stack)
	if err != nil {
		log.Warn().Err(err).Str("repo", name).Msg("embedding failed")
		return models.IndexResult{}, &Error{Repo: name, Stage: StageEmbed, Err: err}
	}

	rec := models.RepositoryRecord{
		ID:              f.meta.ID,
		FullName:        f.meta.FullName,
		URL:             f.meta.URL,
		Description:     f.meta.Description,
		Topics:          f.meta.Topics,
		PrimaryLanguage: f.meta.PrimaryLanguage,
		Languages:       f.languages,
		Dependencies:    compose.ExtractAll(f.manifests),
		Stars:           f.meta.Stars,
		Forks:           f.meta.Forks,
		UpdatedAt:       f.meta.UpdatedAt,
		IndexedAt:       ix.now().UTC(),
	}
	if err := ix.Store.Upsert(ctx, rec, pair); err != nil {
		log.Error().Err(err).Str("repo", name).Msg("upsert failed")
		return models.IndexResult{}, &Error{Repo: name, Stage: StageStore, Err: err}
	}

	took := ix.now().Sub(start)
	metrics.Get().IndexDuration.Observe(took.Seconds())
	log.Info().Str("repo", rec.FullName).Int64("id", rec.ID).
		Int("deps", len(rec.Dependencies)).
		Dur("took", took).
		Msg("repository indexed")
	return models.IndexResult{Status: models.StatusIndexed, RepoID: rec.ID, FullName: rec.FullName}, nil
}

// fetch runs the four independent reads concurrently. A missing readme or
// language breakdown is not an error.
func (ix *Indexer) fetch(ctx context.Context, ref models.RepoRef) (fetched, error) {
	var f fetched
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		meta, err := ix.Fetcher.FetchMetadata(gctx, ref.Owner, ref.Name)
		f.meta = meta
		return err
	})
	g.Go(func() error {
		readme, err := ix.Fetcher.FetchReadme(gctx, ref.Owner, ref.Name)
		if github.IsNotFound(err) {
			return nil
		}
		f.readme = readme
		return err
	})
	g.Go(func() error {
		langs, err := ix.Fetcher.FetchLanguages(gctx, ref.Owner, ref.Name)
		if github.IsNotFound(err) {
			return nil
		}
		f.languages = langs
		return err
	})
	g.Go(func() error {
		files, err := ix.Fetcher.FetchDependencyManifests(gctx, ref.Owner, ref.Name)
		f.manifests = files
		return err
	})
	if err := g.Wait(); err != nil {
		return fetched{}, err
	}
	if f.meta == nil {
		return fetched{}, fmt.Errorf("metadata for %s: %w", ref.FullName(), github.ErrNotFound)
	}
	return f, nil
}

// composeTexts builds both embedding inputs. An empty text falls back to the
// repository name so every record gets two vectors.
func composeTexts(f fetched) (string, string) {
	purpose := compose.PurposeText(descriptionOf(f.meta), f.meta.Topics, compose.CleanReadme(f.readme))
	stack := compose.StackText(f.meta.PrimaryLanguage, f.languages, compose.ExtractAll(f.manifests))
	if strings.TrimSpace(purpose) == "" {
		purpose = f.meta.FullName
	}
	if strings.TrimSpace(stack) == "" {
		stack = f.meta.FullName
	}
	return purpose, stack
}

func descriptionOf(m *github.Metadata) string {
	if m.Description == nil {
		return ""
	}
	return *m.Description
}

// workItem is one position in a batch.
type workItem struct {
	pos int
	ref models.RepoRef
}

// IndexBatch indexes refs with a bounded worker pool at background priority.
// Failures are recorded per item and never stop the batch. Rate limited items
// wait for the advertised delay and retry.
func (ix *Indexer) IndexBatch(ctx context.Context, refs []models.RepoRef, opts Options) models.BatchResult {
	ctx = ratelimit.WithPriority(ctx, ratelimit.Background)
	result := models.BatchResult{Total: len(refs), Items: make([]models.BatchItem, len(refs))}
	if len(refs) == 0 {
		return result
	}

	numWorkers := ix.concurrency
	if numWorkers > len(refs) {
		numWorkers = len(refs)
	}
	log.Info().Int("workers", numWorkers).Int("repos", len(refs)).Msg("starting batch indexing")

	workChan := make(chan workItem, numWorkers*2)
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			log.Debug().Int("worker", workerID).Msg("worker started")
			for item := range workChan {
				result.Items[item.pos] = ix.indexWithRetry(ctx, item.ref, opts)
			}
			log.Debug().Int("worker", workerID).Msg("worker finished")
		}(i)
	}

feed:
	for i, ref := range refs {
		select {
		case workChan <- workItem{pos: i, ref: ref}:
		case <-ctx.Done():
			for j := i; j < len(refs); j++ {
				result.Items[j] = models.BatchItem{Repo: refs[j], Status: models.StatusFailed, Error: ctx.Err().Error()}
			}
			break feed
		}
	}
	close(workChan)
	wg.Wait()

	for _, it := range result.Items {
		switch it.Status {
		case models.StatusIndexed:
			result.Indexed++
		case models.StatusAlreadyIndexed:
			result.AlreadyIndexed++
		default:
			result.Failed++
		}
	}
	log.Info().
		Int("total", result.Total).
		Int("indexed", result.Indexed).
		Int("already_indexed", result.AlreadyIndexed).
		Int("failed", result.Failed).
		Msg("batch indexing finished")
	return result
}

func (ix *Indexer) indexWithRetry(ctx context.Context, ref models.RepoRef, opts Options) models.BatchItem {
	var err error
	for attempt := 1; attempt <= ix.maxAttempts; attempt++ {
		var res models.IndexResult
		res, err = ix.IndexRepository(ctx, ref, opts)
		if err == nil {
			return models.BatchItem{Repo: ref, Status: res.Status, RepoID: res.RepoID}
		}
		rl, limited := ratelimit.IsRateLimited(err)
		if !limited || attempt == ix.maxAttempts {
			break
		}
		log.Warn().Str("repo", ref.FullName()).Dur("retry_after", rl.RetryAfter).Int("attempt", attempt).
			Msg("rate limited, backing off")
		if serr := ix.sleep(ctx, rl.RetryAfter); serr != nil {
			err = serr
			break
		}
	}
	return models.BatchItem{Repo: ref, Status: models.StatusFailed, Error: err.Error()}
}

// RefreshStale re-indexes up to limit records older than the staleness window,
// oldest first.
func (ix *Indexer) RefreshStale(ctx context.Context, limit int) (models.BatchResult, error) {
	recs, err := ix.ListStale(ctx, limit)
	if err != nil {
		return models.BatchResult{}, err
	}
	refs := make([]models.RepoRef, 0, len(recs))
	for _, r := range recs {
		ref, ok := models.SplitFullName(r.FullName)
		if !ok {
			log.Warn().Str("repo", r.FullName).Msg("skipping record with malformed name")
			continue
		}
		refs = append(refs, ref)
	}
	return ix.IndexBatch(ctx, refs, Options{Force: true}), nil
}

// ListStale returns stored records past the staleness window.
func (ix *Indexer) ListStale(ctx context.Context, limit int) ([]models.RepositoryRecord, error) {
	recs, err := ix.Store.ListStale(ctx, ix.now().Add(-ix.staleAfter), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale: %w", err)
	}
	return recs, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsFetchNotFound reports whether err is a failed index attempt for a
// repository that does not exist upstream.
func IsFetchNotFound(err error) bool {
	var ie *Error
	return errors.As(err, &ie) && ie.Stage == StageFetch && github.IsNotFound(err)
}
