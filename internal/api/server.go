package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/seanblong/reporadar/internal/ai"
	"github.com/seanblong/reporadar/internal/auth"
	"github.com/seanblong/reporadar/internal/github"
	"github.com/seanblong/reporadar/internal/indexer"
	"github.com/seanblong/reporadar/internal/metrics"
	"github.com/seanblong/reporadar/internal/ratelimit"
	"github.com/seanblong/reporadar/internal/search"
	"github.com/seanblong/reporadar/internal/store"
	"github.com/seanblong/reporadar/pkg/models"
)

// DefaultRequestTimeout bounds search and index requests, on-demand indexing included.
const DefaultRequestTimeout = 60 * time.Second

// Searcher runs similarity queries.
type Searcher interface {
	Similar(ctx context.Context, q models.Query) (*search.Response, error)
}

// UserRepoLister lists the repositories visible to a user credential.
type UserRepoLister interface {
	ListUserRepositories(ctx context.Context, token string) ([]github.Metadata, error)
}

// QuotaReporter reports the remaining upstream request budget.
type QuotaReporter interface {
	Remaining() int
}

// Config holds request defaults and per-client throttles.
type Config struct {
	Weights         models.Weights
	MinScore        float64
	SearchPerMinute int
	IndexPerMinute  int
	RequestTimeout  time.Duration
}

type Server struct {
	Search  Searcher
	Indexer search.RepositoryIndexer
	Store   store.VectorStore
	GitHub  UserRepoLister
	Quota   QuotaReporter

	cfg          Config
	searchLimits *Throttle
	indexLimits  *Throttle
}

// New creates the API server. Zero weights fall back to the search defaults.
func New(s Searcher, ix search.RepositoryIndexer, st store.VectorStore, gh UserRepoLister, quota QuotaReporter, cfg Config) *Server {
	if cfg.Weights.Purpose == 0 && cfg.Weights.Stack == 0 {
		cfg.Weights = search.DefaultWeights
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &Server{
		Search:       s,
		Indexer:      ix,
		Store:        st,
		GitHub:       gh,
		Quota:        quota,
		cfg:          cfg,
		searchLimits: NewThrottle(cfg.SearchPerMinute),
		indexLimits:  NewThrottle(cfg.IndexPerMinute),
	}
}

// Handler returns the routed API wrapped in request logging and metrics.
func (s *Server) Handler(logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /api/search", auth.OptionalAuthMiddleware(s.handleSearch))
	mux.HandleFunc("POST /api/index", auth.OptionalAuthMiddleware(s.handleIndex))
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/user/repos", auth.RequireAuthMiddleware(s.handleUserRepos))

	s.registerAuth(mux)

	m := metrics.Get()
	return hlog.NewHandler(logger)(
		hlog.RequestIDHandler("req_id", "X-Request-Id")(
			hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
				route := r.Pattern
				if route == "" {
					route = "unmatched"
				}
				m.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", status).
					Int("size", size).
					Dur("dur", dur).
					Msg("http")
			})(mux),
		),
	)
}

type searchRequest struct {
	RepoURL       string   `json:"repo_url"`
	WeightPurpose *float64 `json:"weight_purpose"`
	WeightStack   *float64 `json:"weight_stack"`
	Limit         *int     `json:"limit"`
	MinStars      int      `json:"min_stars"`
	MinScore      *float64 `json:"min_score"`
}

type repoView struct {
	FullName        string   `json:"full_name"`
	URL             string   `json:"url"`
	Description     *string  `json:"description"`
	Topics          []string `json:"topics"`
	LanguagePrimary string   `json:"language_primary"`
	Stars           int      `json:"stars"`
}

type resultView struct {
	repoView
	SimilarityScore float64 `json:"similarity_score"`
	PurposeScore    float64 `json:"purpose_score"`
	StackScore      float64 `json:"stack_score"`
}

type searchResponse struct {
	QueryRepo       repoView     `json:"query_repo"`
	Results         []resultView `json:"results"`
	IndexedCount    int64        `json:"indexed_count"`
	SearchTimeMS    float64      `json:"search_time_ms"`
	IndexedOnDemand bool         `json:"indexed_on_demand"`
	IndexTimeMS     *float64     `json:"index_time_ms"`
}

// query validates the request and fills in the configured defaults.
func (s *Server) query(req searchRequest) (models.Query, error) {
	q := models.Query{
		Weights:  s.cfg.Weights,
		Limit:    search.DefaultLimit,
		MinScore: s.cfg.MinScore,
		MinStars: req.MinStars,
	}
	ref, err := models.ParseRepoRef(req.RepoURL)
	if err != nil {
		return q, err
	}
	q.Repo = ref
	if req.WeightPurpose != nil {
		q.Weights.Purpose = *req.WeightPurpose
	}
	if req.WeightStack != nil {
		q.Weights.Stack = *req.WeightStack
	}
	if q.Weights.Purpose < 0 || q.Weights.Purpose > 1 || q.Weights.Stack < 0 || q.Weights.Stack > 1 {
		return q, errors.New("weights must be between 0 and 1")
	}
	if q.Weights.Purpose+q.Weights.Stack == 0 {
		return q, errors.New("at least one weight must be positive")
	}
	if req.Limit != nil {
		q.Limit = *req.Limit
	}
	if q.Limit < 1 || q.Limit > search.MaxLimit {
		return q, errors.New("limit must be between 1 and 100")
	}
	if q.MinStars < 0 {
		return q, errors.New("min_stars must not be negative")
	}
	if req.MinScore != nil {
		q.MinScore = *req.MinScore
	}
	if q.MinScore < 0 || q.MinScore > 1 {
		return q, errors.New("min_score must be between 0 and 1")
	}
	return q, nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, s.searchLimits) {
		return
	}
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	q, err := s.query(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	ctx = ratelimit.WithPriority(ctx, ratelimit.Interactive)

	resp, err := s.Search.Similar(ctx, q)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	out := searchResponse{
		QueryRepo:       newRepoView(resp.QueryRepo),
		Results:         make([]resultView, 0, len(resp.Results)),
		IndexedCount:    resp.IndexedCount,
		SearchTimeMS:    millis(resp.SearchTime),
		IndexedOnDemand: resp.IndexedOnDemand,
	}
	if resp.IndexedOnDemand {
		ms := millis(resp.IndexTime)
		out.IndexTimeMS = &ms
	}
	for _, res := range resp.Results {
		out.Results = append(out.Results, resultView{
			repoView:        newRepoView(res.Record),
			SimilarityScore: round4(res.SimilarityScore),
			PurposeScore:    round4(res.PurposeScore),
			StackScore:      round4(res.StackScore),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type indexRequest struct {
	RepoURL string `json:"repo_url"`
	Force   bool   `json:"force"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, s.indexLimits) {
		return
	}
	var req indexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ref, err := models.ParseRepoRef(req.RepoURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	ctx = ratelimit.WithPriority(ctx, ratelimit.Interactive)

	res, err := s.Indexer.IndexRepository(ctx, ref, indexer.Options{Force: req.Force})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type healthResponse struct {
	Status                   string `json:"status"`
	IndexedRepos             int64  `json:"indexed_repos"`
	StoreConnected           bool   `json:"store_connected"`
	GithubRateLimitRemaining int    `json:"github_rate_limit_remaining"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), store.DefaultTimeout)
	defer cancel()

	out := healthResponse{Status: "ok", StoreConnected: true}
	if err := s.Store.Ping(ctx); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("store ping failed")
		out.Status = "degraded"
		out.StoreConnected = false
	} else if n, err := s.Store.Count(ctx); err == nil {
		out.IndexedRepos = n
	}
	if s.Quota != nil {
		out.GithubRateLimitRemaining = s.Quota.Remaining()
	}
	writeJSON(w, http.StatusOK, out)
}

type userRepo struct {
	FullName    string  `json:"full_name"`
	URL         string  `json:"url"`
	Description *string `json:"description"`
	Language    string  `json:"language_primary"`
	Stars       int     `json:"stars"`
	Private     bool    `json:"private"`
	Indexed     bool    `json:"indexed"`
}

func (s *Server) handleUserRepos(w http.ResponseWriter, r *http.Request) {
	token, err := auth.GithubToken(auth.GetUserFromContext(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "GitHub session expired; sign in again")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	ctx = ratelimit.WithPriority(ctx, ratelimit.Interactive)

	repos, err := s.GitHub.ListUserRepositories(ctx, token)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]userRepo, 0, len(repos))
	for _, m := range repos {
		indexed, err := s.Store.Exists(ctx, m.ID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		out = append(out, userRepo{
			FullName:    m.FullName,
			URL:         m.URL,
			Description: m.Description,
			Language:    m.PrimaryLanguage,
			Stars:       m.Stars,
			Private:     m.Private,
			Indexed:     indexed,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"repos": out})
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, t *Throttle) bool {
	wait, ok := t.Allow(clientIP(r))
	if !ok {
		setRetryAfter(w, wait)
		writeError(w, http.StatusTooManyRequests, "too many requests")
	}
	return ok
}

// fail maps err onto a status code and writes it.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := errorStatus(err)
	if rl, ok := ratelimit.IsRateLimited(err); ok {
		setRetryAfter(w, rl.RetryAfter)
	}
	ev := hlog.FromRequest(r).Warn()
	if status >= http.StatusInternalServerError {
		ev = hlog.FromRequest(r).Error()
	}
	ev.Err(err).Int("status", status).Msg("request failed")
	writeError(w, status, msg)
}

func errorStatus(err error) (int, string) {
	var (
		se  *search.SubjectError
		api *github.APIError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	case isRateLimited(err):
		return http.StatusTooManyRequests, "GitHub rate limit reached; retry later"
	case errors.As(err, &se):
		return http.StatusBadGateway, "could not index query repository " + se.Repo
	case indexer.IsFetchNotFound(err), github.IsNotFound(err):
		return http.StatusNotFound, "repository not found or private"
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable, "vector store unavailable"
	case ai.IsEmbeddingError(err):
		return http.StatusBadGateway, "embedding provider failed"
	case errors.As(err, &api):
		return http.StatusBadGateway, api.Message
	}
	return http.StatusInternalServerError, "internal error"
}

func isRateLimited(err error) bool {
	_, ok := ratelimit.IsRateLimited(err)
	return ok
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

func newRepoView(r models.RepositoryRecord) repoView {
	topics := r.Topics
	if topics == nil {
		topics = []string{}
	}
	return repoView{
		FullName:        r.FullName,
		URL:             r.URL,
		Description:     r.Description,
		Topics:          topics,
		LanguagePrimary: r.PrimaryLanguage,
		Stars:           r.Stars,
	}
}

func round4(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Round(v*1e4) / 1e4
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
