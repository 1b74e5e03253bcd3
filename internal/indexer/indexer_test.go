package indexer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/seanblong/reporadar/internal/github"
	"github.com/seanblong/reporadar/internal/ratelimit"
	"github.com/seanblong/reporadar/internal/store"
	"github.com/seanblong/reporadar/pkg/models"
)

func init() {
	// Suppress logs during testing
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// MockFetcher implements github.Fetcher for testing
type MockFetcher struct {
	FetchMetadataFunc  func(ctx context.Context, owner, name string) (*github.Metadata, error)
	FetchReadmeFunc    func(ctx context.Context, owner, name string) (string, error)
	FetchLanguagesFunc func(ctx context.Context, owner, name string) (map[string]float64, error)
	FetchManifestsFunc func(ctx context.Context, owner, name string) (map[string]string, error)
	SearchPopularFunc  func(ctx context.Context, topic string, minStars, perPage int) ([]github.Metadata, error)

	metadataCalls atomic.Int32
	readmeCalls   atomic.Int32
}

func mockID(full string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(full))
	return int64(h.Sum32())
}

func (m *MockFetcher) FetchMetadata(ctx context.Context, owner, name string) (*github.Metadata, error) {
	m.metadataCalls.Add(1)
	if m.FetchMetadataFunc != nil {
		return m.FetchMetadataFunc(ctx, owner, name)
	}
	desc := "A fast web framework"
	full := owner + "/" + name
	return &github.Metadata{
		ID:              mockID(full),
		FullName:        full,
		URL:             "https://github.com/" + full,
		Description:     &desc,
		Topics:          []string{"web", "http"},
		PrimaryLanguage: "Go",
		Stars:           100,
	}, nil
}

func (m *MockFetcher) FetchReadme(ctx context.Context, owner, name string) (string, error) {
	m.readmeCalls.Add(1)
	if m.FetchReadmeFunc != nil {
		return m.FetchReadmeFunc(ctx, owner, name)
	}
	return "# Title\n\nServes HTTP quickly.", nil
}

func (m *MockFetcher) FetchLanguages(ctx context.Context, owner, name string) (map[string]float64, error) {
	if m.FetchLanguagesFunc != nil {
		return m.FetchLanguagesFunc(ctx, owner, name)
	}
	return map[string]float64{"Go": 100}, nil
}

func (m *MockFetcher) FetchDependencyManifests(ctx context.Context, owner, name string) (map[string]string, error) {
	if m.FetchManifestsFunc != nil {
		return m.FetchManifestsFunc(ctx, owner, name)
	}
	return map[string]string{"go.mod": "module x\n\nrequire github.com/rs/zerolog v1.32.0\n"}, nil
}

func (m *MockFetcher) SearchPopular(ctx context.Context, topic string, minStars, perPage int) ([]github.Metadata, error) {
	if m.SearchPopularFunc != nil {
		return m.SearchPopularFunc(ctx, topic, minStars, perPage)
	}
	return nil, nil
}

func (m *MockFetcher) ListUserRepositories(ctx context.Context, token string) ([]github.Metadata, error) {
	return nil, nil
}

// MockEmbedder implements PairEmbedder for testing
type MockEmbedder struct {
	EmbedPairFunc func(ctx context.Context, purpose, stack string) (models.EmbeddingPair, error)
	calls         atomic.Int32
	lastPurpose   atomic.Value
	lastStack     atomic.Value
}

func (m *MockEmbedder) EmbedPair(ctx context.Context, purpose, stack string) (models.EmbeddingPair, error) {
	m.calls.Add(1)
	m.lastPurpose.Store(purpose)
	m.lastStack.Store(stack)
	if m.EmbedPairFunc != nil {
		return m.EmbedPairFunc(ctx, purpose, stack)
	}
	return models.EmbeddingPair{Purpose: []float32{1, 0}, Stack: []float32{0, 1}}, nil
}

// FailingStore wraps a MemoryStore and fails upserts.
type FailingStore struct {
	*store.MemoryStore
	UpsertErr error
}

func (f *FailingStore) Upsert(ctx context.Context, rec models.RepositoryRecord, pair models.EmbeddingPair) error {
	return f.UpsertErr
}

var ref = models.RepoRef{Owner: "acme", Name: "web"}

func newTestIndexer(f *MockFetcher, e *MockEmbedder) (*Indexer, *store.MemoryStore) {
	s := store.NewMemory()
	ix := New(s, f, e, Config{})
	ix.sleep = func(context.Context, time.Duration) error { return nil }
	return ix, s
}

func TestIndexRepository(t *testing.T) {
	f, e := &MockFetcher{}, &MockEmbedder{}
	ix, s := newTestIndexer(f, e)

	res, err := ix.IndexRepository(context.Background(), ref, Options{})
	if err != nil {
		t.Fatalf("IndexRepository failed: %v", err)
	}
	if res.Status != models.StatusIndexed {
		t.Errorf("Expected status indexed, got %s", res.Status)
	}
	if res.FullName != "acme/web" || res.RepoID != mockID("acme/web") {
		t.Errorf("Unexpected result: %+v", res)
	}

	rec, ok, _ := s.Get(context.Background(), res.RepoID)
	if !ok {
		t.Fatal("Expected record to be stored")
	}
	if len(rec.Dependencies) != 1 || rec.Dependencies[0] != "github.com/rs/zerolog" {
		t.Errorf("Expected go.mod dependency to be extracted, got %v", rec.Dependencies)
	}
	if rec.IndexedAt.IsZero() {
		t.Error("Expected indexed_at to be set")
	}
	if _, ok, _ := s.Vectors(context.Background(), res.RepoID); !ok {
		t.Error("Expected both vectors to be stored")
	}

	purpose := e.lastPurpose.Load().(string)
	if purpose != "A fast web framework. Topics: web, http. # Title\n\nServes HTTP quickly." {
		t.Errorf("Unexpected purpose text: %q", purpose)
	}
	stack := e.lastStack.Load().(string)
	if stack != "Primary language: Go. Languages: Go 100%. Dependencies: github.com/rs/zerolog." {
		t.Errorf("Unexpected stack text: %q", stack)
	}
}

func TestIndexRepositoryIdempotent(t *testing.T) {
	f, e := &MockFetcher{}, &MockEmbedder{}
	ix, _ := newTestIndexer(f, e)
	ctx := context.Background()

	if _, err := ix.IndexRepository(ctx, ref, Options{}); err != nil {
		t.Fatalf("first index failed: %v", err)
	}
	res, err := ix.IndexRepository(ctx, models.RepoRef{Owner: "ACME", Name: "Web"}, Options{})
	if err != nil {
		t.Fatalf("second index failed: %v", err)
	}
	if res.Status != models.StatusAlreadyIndexed {
		t.Errorf("Expected already_indexed, got %s", res.Status)
	}
	if f.metadataCalls.Load() != 1 || f.readmeCalls.Load() != 1 {
		t.Errorf("Expected no extra fetches, got metadata=%d readme=%d", f.metadataCalls.Load(), f.readmeCalls.Load())
	}
	if e.calls.Load() != 1 {
		t.Errorf("Expected no extra embedding calls, got %d", e.calls.Load())
	}
}

func TestIndexRepositoryStaleAndForce(t *testing.T) {
	f, e := &MockFetcher{}, &MockEmbedder{}
	ix, _ := newTestIndexer(f, e)
	ctx := context.Background()

	base := time.Now()
	ix.now = func() time.Time { return base }
	if _, err := ix.IndexRepository(ctx, ref, Options{}); err != nil {
		t.Fatalf("index failed: %v", err)
	}

	res, _ := ix.IndexRepository(ctx, ref, Options{Force: true})
	if res.Status != models.StatusIndexed {
		t.Errorf("Expected forced re-index, got %s", res.Status)
	}

	ix.now = func() time.Time { return base.Add(models.DefaultStaleAfter + time.Hour) }
	res, _ = ix.IndexRepository(ctx, ref, Options{})
	if res.Status != models.StatusIndexed {
		t.Errorf("Expected stale record to be re-indexed, got %s", res.Status)
	}
	if e.calls.Load() != 3 {
		t.Errorf("Expected 3 embedding calls, got %d", e.calls.Load())
	}
}

func TestIndexRepositoryMissingReadme(t *testing.T) {
	f := &MockFetcher{
		FetchReadmeFunc: func(ctx context.Context, owner, name string) (string, error) {
			return "", github.ErrNotFound
		},
		FetchManifestsFunc: func(ctx context.Context, owner, name string) (map[string]string, error) {
			return map[string]string{}, nil
		},
		FetchLanguagesFunc: func(ctx context.Context, owner, name string) (map[string]float64, error) {
			return nil, nil
		},
		FetchMetadataFunc: func(ctx context.Context, owner, name string) (*github.Metadata, error) {
			return &github.Metadata{ID: 5, FullName: "acme/web", URL: "https://github.com/acme/web"}, nil
		},
	}
	e := &MockEmbedder{}
	ix, _ := newTestIndexer(f, e)

	res, err := ix.IndexRepository(context.Background(), ref, Options{})
	if err != nil {
		t.Fatalf("Expected missing readme to be tolerated, got %v", err)
	}
	if res.RepoID != 5 {
		t.Errorf("Expected id 5, got %d", res.RepoID)
	}
	if p := e.lastPurpose.Load().(string); p != "acme/web" {
		t.Errorf("Expected empty purpose to fall back to the name, got %q", p)
	}
	if s := e.lastStack.Load().(string); s != "acme/web" {
		t.Errorf("Expected empty stack to fall back to the name, got %q", s)
	}
}

func TestIndexRepositoryFailures(t *testing.T) {
	tests := []struct {
		name      string
		fetcher   *MockFetcher
		embedder  *MockEmbedder
		upsertErr error
		stage     Stage
		notFound  bool
	}{
		{
			name: "metadata not found",
			fetcher: &MockFetcher{FetchMetadataFunc: func(ctx context.Context, owner, name string) (*github.Metadata, error) {
				return nil, github.ErrNotFound
			}},
			embedder: &MockEmbedder{},
			stage:    StageFetch,
			notFound: true,
		},
		{
			name: "transient fetch",
			fetcher: &MockFetcher{FetchLanguagesFunc: func(ctx context.Context, owner, name string) (map[string]float64, error) {
				return nil, &github.TransientError{Op: "languages", Attempts: 3, Err: errors.New("502")}
			}},
			embedder: &MockEmbedder{},
			stage:    StageFetch,
		},
		{
			name:    "embedding",
			fetcher: &MockFetcher{},
			embedder: &MockEmbedder{EmbedPairFunc: func(ctx context.Context, purpose, stack string) (models.EmbeddingPair, error) {
				return models.EmbeddingPair{}, errors.New("model offline")
			}},
			stage: StageEmbed,
		},
		{
			name:      "store",
			fetcher:   &MockFetcher{},
			embedder:  &MockEmbedder{},
			upsertErr: store.ErrUnavailable,
			stage:     StageStore,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := store.NewMemory()
			var s store.VectorStore = mem
			if tt.upsertErr != nil {
				s = &FailingStore{MemoryStore: mem, UpsertErr: tt.upsertErr}
			}
			ix := New(s, tt.fetcher, tt.embedder, Config{})

			_, err := ix.IndexRepository(context.Background(), ref, Options{})
			var ie *Error
			if !errors.As(err, &ie) {
				t.Fatalf("Expected *Error, got %v", err)
			}
			if ie.Stage != tt.stage {
				t.Errorf("Expected stage %s, got %s", tt.stage, ie.Stage)
			}
			if IsFetchNotFound(err) != tt.notFound {
				t.Errorf("Expected IsFetchNotFound=%v for %v", tt.notFound, err)
			}
			if n, _ := mem.Count(context.Background()); n != 0 {
				t.Errorf("Expected nothing stored, got %d records", n)
			}
		})
	}
}

func TestIndexRepositorySingleFlight(t *testing.T) {
	release := make(chan struct{})
	f := &MockFetcher{}
	f.FetchMetadataFunc = func(ctx context.Context, owner, name string) (*github.Metadata, error) {
		<-release
		return &github.Metadata{ID: 9, FullName: "acme/web", URL: "https://github.com/acme/web"}, nil
	}
	e := &MockEmbedder{}
	ix, _ := newTestIndexer(f, e)

	const callers = 10
	var wg sync.WaitGroup
	results := make([]models.IndexResult, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = ix.IndexRepository(context.Background(), ref, Options{})
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if f.metadataCalls.Load() != 1 {
		t.Errorf("Expected exactly one pipeline run, got %d metadata fetches", f.metadataCalls.Load())
	}
	if e.calls.Load() != 1 {
		t.Errorf("Expected exactly one embedding call, got %d", e.calls.Load())
	}
	for i := range results {
		if errs[i] != nil {
			t.Errorf("caller %d failed: %v", i, errs[i])
		}
		if results[i].RepoID != 9 {
			t.Errorf("caller %d got id %d, expected 9", i, results[i].RepoID)
		}
	}
}

func TestIndexRepositoryStarterCancelDoesNotFailJoiners(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f := &MockFetcher{}
	f.FetchMetadataFunc = func(ctx context.Context, owner, name string) (*github.Metadata, error) {
		once.Do(func() { close(started) })
		if ratelimit.PriorityFrom(ctx) != ratelimit.Background {
			t.Error("Expected the run to keep the starter's priority")
		}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &github.Metadata{ID: 9, FullName: "acme/web", URL: "https://github.com/acme/web"}, nil
	}
	ix, s := newTestIndexer(f, &MockEmbedder{})

	starterCtx, cancel := context.WithCancel(ratelimit.WithPriority(context.Background(), ratelimit.Background))
	starterErr := make(chan error, 1)
	go func() {
		_, err := ix.IndexRepository(starterCtx, ref, Options{})
		starterErr <- err
	}()
	<-started

	type outcome struct {
		res models.IndexResult
		err error
	}
	joiner := make(chan outcome, 1)
	go func() {
		res, err := ix.IndexRepository(context.Background(), ref, Options{})
		joiner <- outcome{res, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	if err := <-starterErr; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected starter to return context.Canceled, got %v", err)
	}

	close(release)
	got := <-joiner
	if got.err != nil {
		t.Fatalf("Expected joiner to succeed, got %v", got.err)
	}
	if got.res.Status != models.StatusIndexed || got.res.RepoID != 9 {
		t.Errorf("Expected joiner to see the indexed record, got %+v", got.res)
	}
	if f.metadataCalls.Load() != 1 {
		t.Errorf("Expected one pipeline run, got %d", f.metadataCalls.Load())
	}
	if _, ok, _ := s.Get(context.Background(), 9); !ok {
		t.Error("Expected the record to be stored")
	}
}

func TestIndexRepositoryForceDoesNotJoinPlainRun(t *testing.T) {
	release := make(chan struct{})
	f := &MockFetcher{}
	f.FetchMetadataFunc = func(ctx context.Context, owner, name string) (*github.Metadata, error) {
		<-release
		return &github.Metadata{ID: 9, FullName: "acme/web", URL: "https://github.com/acme/web"}, nil
	}
	ix, _ := newTestIndexer(f, &MockEmbedder{})

	var wg sync.WaitGroup
	results := make([]models.IndexResult, 2)
	errs := make([]error, 2)
	for i, opts := range []Options{{}, {Force: true}} {
		wg.Add(1)
		go func(i int, opts Options) {
			defer wg.Done()
			results[i], errs[i] = ix.IndexRepository(context.Background(), ref, opts)
		}(i, opts)
	}

	deadline := time.Now().Add(time.Second)
	for f.metadataCalls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	wg.Wait()

	if f.metadataCalls.Load() != 2 {
		t.Errorf("Expected the forced call to run its own pipeline, got %d runs", f.metadataCalls.Load())
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
	}
	if results[1].Status != models.StatusIndexed {
		t.Errorf("Expected forced call to report indexed, got %s", results[1].Status)
	}
}

func TestIndexRepositoryDistinctReposRunInParallel(t *testing.T) {
	var inFlight, peak atomic.Int32
	f := &MockFetcher{}
	f.FetchReadmeFunc = func(ctx context.Context, owner, name string) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		return "", nil
	}
	ix, _ := newTestIndexer(f, &MockEmbedder{})

	var wg sync.WaitGroup
	for _, name := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, _ = ix.IndexRepository(context.Background(), models.RepoRef{Owner: "o", Name: name}, Options{})
		}(name)
	}
	wg.Wait()
	if peak.Load() < 2 {
		t.Errorf("Expected different repositories to index concurrently, peak was %d", peak.Load())
	}
}

func TestIndexBatch(t *testing.T) {
	f := &MockFetcher{}
	f.FetchMetadataFunc = func(ctx context.Context, owner, name string) (*github.Metadata, error) {
		if name == "missing" {
			return nil, github.ErrNotFound
		}
		full := owner + "/" + name
		return &github.Metadata{ID: mockID(full), FullName: full, URL: "https://github.com/" + full}, nil
	}
	ix, _ := newTestIndexer(f, &MockEmbedder{})
	ctx := context.Background()

	if _, err := ix.IndexRepository(ctx, models.RepoRef{Owner: "o", Name: "done"}, Options{}); err != nil {
		t.Fatalf("pre-index failed: %v", err)
	}

	refs := []models.RepoRef{
		{Owner: "o", Name: "one"},
		{Owner: "o", Name: "done"},
		{Owner: "o", Name: "missing"},
		{Owner: "o", Name: "two"},
	}
	res := ix.IndexBatch(ctx, refs, Options{})

	if res.Total != 4 || res.Indexed != 2 || res.AlreadyIndexed != 1 || res.Failed != 1 {
		t.Errorf("Unexpected counts: %+v", res)
	}
	if res.Items[2].Status != models.StatusFailed || res.Items[2].Error == "" {
		t.Errorf("Expected missing repo to fail with an error, got %+v", res.Items[2])
	}
	if res.Items[1].Status != models.StatusAlreadyIndexed {
		t.Errorf("Expected item order to be preserved, got %+v", res.Items[1])
	}
}

func TestIndexBatchRateLimited(t *testing.T) {
	tests := []struct {
		name        string
		failures    int32
		wantStatus  models.IndexStatus
		wantSleeps  int
		wantFetches int32
	}{
		{name: "recovers", failures: 2, wantStatus: models.StatusIndexed, wantSleeps: 2, wantFetches: 3},
		{name: "gives up", failures: 10, wantStatus: models.StatusFailed, wantSleeps: 2, wantFetches: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &MockFetcher{}
			var n atomic.Int32
			f.FetchMetadataFunc = func(ctx context.Context, owner, name string) (*github.Metadata, error) {
				if n.Add(1) <= tt.failures {
					return nil, &ratelimit.RateLimitedError{RetryAfter: 2 * time.Second}
				}
				return &github.Metadata{ID: 1, FullName: "acme/web", URL: "u"}, nil
			}
			ix, _ := newTestIndexer(f, &MockEmbedder{})
			var mu sync.Mutex
			var sleeps []time.Duration
			ix.sleep = func(ctx context.Context, d time.Duration) error {
				mu.Lock()
				sleeps = append(sleeps, d)
				mu.Unlock()
				return nil
			}

			res := ix.IndexBatch(context.Background(), []models.RepoRef{ref}, Options{})
			if res.Items[0].Status != tt.wantStatus {
				t.Errorf("Expected %s, got %+v", tt.wantStatus, res.Items[0])
			}
			if len(sleeps) != tt.wantSleeps {
				t.Errorf("Expected %d back-offs, got %d", tt.wantSleeps, len(sleeps))
			}
			for _, d := range sleeps {
				if d != 2*time.Second {
					t.Errorf("Expected back-off of RetryAfter, got %s", d)
				}
			}
			if n.Load() != tt.wantFetches {
				t.Errorf("Expected %d attempts, got %d", tt.wantFetches, n.Load())
			}
		})
	}
}

func TestIndexBatchUsesBackgroundPriority(t *testing.T) {
	var got atomic.Int32
	got.Store(-1)
	f := &MockFetcher{}
	f.FetchReadmeFunc = func(ctx context.Context, owner, name string) (string, error) {
		got.Store(int32(ratelimit.PriorityFrom(ctx)))
		return "", nil
	}
	ix, _ := newTestIndexer(f, &MockEmbedder{})
	ix.IndexBatch(context.Background(), []models.RepoRef{ref}, Options{})
	if ratelimit.Priority(got.Load()) != ratelimit.Background {
		t.Errorf("Expected background priority in batch, got %v", ratelimit.Priority(got.Load()))
	}
}

func TestIndexBatchCancelled(t *testing.T) {
	ix, _ := newTestIndexer(&MockFetcher{}, &MockEmbedder{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	refs := make([]models.RepoRef, 40)
	for i := range refs {
		refs[i] = models.RepoRef{Owner: "o", Name: string(rune('a' + i%26)) + string(rune('a'+i/26))}
	}
	res := ix.IndexBatch(ctx, refs, Options{})
	if res.Total != 40 || res.Indexed+res.AlreadyIndexed+res.Failed != 40 {
		t.Errorf("Expected every item accounted for, got %+v", res)
	}
	if res.Failed == 0 {
		t.Error("Expected cancelled batch to report failures")
	}
}

func TestRefreshStale(t *testing.T) {
	f, e := &MockFetcher{}, &MockEmbedder{}
	ix, s := newTestIndexer(f, e)
	ctx := context.Background()
	now := time.Now()
	ix.now = func() time.Time { return now }

	old := now.Add(-10 * 24 * time.Hour)
	p := models.EmbeddingPair{Purpose: []float32{1}, Stack: []float32{1}}
	_ = s.Upsert(ctx, models.RepositoryRecord{ID: mockID("o/old"), FullName: "o/old", IndexedAt: old}, p)
	_ = s.Upsert(ctx, models.RepositoryRecord{ID: mockID("o/new"), FullName: "o/new", IndexedAt: now}, p)

	res, err := ix.RefreshStale(ctx, 10)
	if err != nil {
		t.Fatalf("RefreshStale failed: %v", err)
	}
	if res.Total != 1 || res.Indexed != 1 {
		t.Errorf("Expected one stale record refreshed, got %+v", res)
	}
	rec, _, _ := s.Get(ctx, mockID("o/old"))
	if !rec.IndexedAt.Equal(now.UTC()) {
		t.Errorf("Expected indexed_at to be bumped, got %v", rec.IndexedAt)
	}
}

func TestRefreshStaleWithoutLimit(t *testing.T) {
	ix, s := newTestIndexer(&MockFetcher{}, &MockEmbedder{})
	ctx := context.Background()
	now := time.Now()
	ix.now = func() time.Time { return now }

	p := models.EmbeddingPair{Purpose: []float32{1}, Stack: []float32{1}}
	for i := 0; i < 15; i++ {
		name := fmt.Sprintf("o/r%d", i)
		_ = s.Upsert(ctx, models.RepositoryRecord{ID: mockID(name), FullName: name, IndexedAt: now.Add(-10 * 24 * time.Hour)}, p)
	}

	res, err := ix.RefreshStale(ctx, 0)
	if err != nil {
		t.Fatalf("RefreshStale failed: %v", err)
	}
	if res.Total != 15 || res.Indexed != 15 {
		t.Errorf("Expected all 15 stale records refreshed, got %+v", res)
	}
}

func TestNewClampsConcurrency(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultConcurrency},
		{-3, DefaultConcurrency},
		{4, 4},
		{64, MaxConcurrency},
	}
	for _, tt := range tests {
		ix := New(store.NewMemory(), &MockFetcher{}, &MockEmbedder{}, Config{Concurrency: tt.in})
		if ix.concurrency != tt.want {
			t.Errorf("Concurrency %d: expected %d, got %d", tt.in, tt.want, ix.concurrency)
		}
	}
}
