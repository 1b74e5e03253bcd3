package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	gh "github.com/google/go-github/v57/github"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/seanblong/reporadar/internal/compose"
	"github.com/seanblong/reporadar/internal/metrics"
	"github.com/seanblong/reporadar/internal/ratelimit"
)

// DefaultTimeout bounds every individual GitHub call.
const DefaultTimeout = 10 * time.Second

// Metadata is the subset of repository metadata the indexer needs.
type Metadata struct {
	ID              int64
	FullName        string
	URL             string
	Description     *string
	Topics          []string
	PrimaryLanguage string
	Stars           int
	Forks           int
	UpdatedAt       time.Time
	Fork            bool
	Archived        bool
	Private         bool
}

// Fetcher is the read-only view of GitHub used by the indexer and the API.
type Fetcher interface {
	FetchMetadata(ctx context.Context, owner, name string) (*Metadata, error)
	FetchReadme(ctx context.Context, owner, name string) (string, error)
	FetchLanguages(ctx context.Context, owner, name string) (map[string]float64, error)
	FetchDependencyManifests(ctx context.Context, owner, name string) (map[string]string, error)
	SearchPopular(ctx context.Context, topic string, minStars, perPage int) ([]Metadata, error)
	ListUserRepositories(ctx context.Context, token string) ([]Metadata, error)
}

// Options configures a Client.
type Options struct {
	Token      string
	Limiter    *ratelimit.Limiter
	Retry      RetryConfig
	Timeout    time.Duration
	BaseURL    string
	HTTPClient *http.Client
}

// Client is a rate-limited GitHub REST client. Every call acquires a token
// from the shared limiter and reconciles it with the quota headers.
type Client struct {
	api     *gh.Client
	limiter *ratelimit.Limiter
	retry   RetryConfig
	timeout time.Duration
	baseURL *url.URL
	http    *http.Client

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient builds a Client. A nil limiter gets a private default limiter.
func NewClient(opts Options) (*Client, error) {
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New(ratelimit.DefaultConfig())
	}
	opts.Retry.ApplyDefaults()
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	c := &Client{
		limiter: opts.Limiter,
		retry:   opts.Retry,
		timeout: opts.Timeout,
		http:    opts.HTTPClient,
		sleep:   sleepCtx,
	}
	if opts.BaseURL != "" {
		u, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		c.baseURL = u
	}
	c.api = c.newAPI(opts.Token)
	return c, nil
}

func (c *Client) newAPI(token string) *gh.Client {
	hc := c.http
	if token != "" {
		base := context.Background()
		if hc != nil {
			base = context.WithValue(base, oauth2.HTTPClient, hc)
		}
		hc = oauth2.NewClient(base, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}
	api := gh.NewClient(hc)
	if c.baseURL != nil {
		u := *c.baseURL
		api.BaseURL = &u
	}
	return api
}

// Limiter exposes the shared limiter, for health reporting.
func (c *Client) Limiter() *ratelimit.Limiter { return c.limiter }

// do runs call under the limiter with per-call timeout and retries.
func (c *Client) do(ctx context.Context, op string, call func(ctx context.Context) (*gh.Response, error)) error {
	m := metrics.Get()
	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if err := c.limiter.Acquire(ctx); err != nil {
			m.GitHubRequests.WithLabelValues(op, "throttled").Inc()
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		resp, err := call(callCtx)
		cancel()
		shared := sharesQuota(op)
		if shared {
			c.observe(resp)
		}

		if err == nil {
			m.GitHubRequests.WithLabelValues(op, "ok").Inc()
			return nil
		}

		status := 0
		if resp != nil && resp.Response != nil {
			status = resp.StatusCode
		}

		if rl := c.rateLimited(resp, err, shared); rl != nil {
			m.GitHubRequests.WithLabelValues(op, "rate_limited").Inc()
			return rl
		}
		switch status {
		case http.StatusNotFound:
			m.GitHubRequests.WithLabelValues(op, "not_found").Inc()
			return fmt.Errorf("github %s: %w", op, ErrNotFound)
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusUnavailableForLegalReasons:
			m.GitHubRequests.WithLabelValues(op, "denied").Inc()
			return &APIError{Op: op, StatusCode: status, Message: friendlyMessage(status, "")}
		}

		if !isRetryable(ctx, status, err) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.GitHubRequests.WithLabelValues(op, "error").Inc()
			return &APIError{Op: op, StatusCode: status, Message: friendlyMessage(status, err.Error())}
		}

		lastErr = err
		m.GitHubRequests.WithLabelValues(op, "retry").Inc()
		if attempt == c.retry.MaxAttempts {
			break
		}
		backoff := c.retry.Backoff(attempt)
		log.Debug().Str("op", op).Int("attempt", attempt).Int("status", status).
			Dur("backoff", backoff).Err(err).Msg("retrying github call")
		if err := c.sleep(ctx, backoff); err != nil {
			return err
		}
	}

	m.GitHubRequests.WithLabelValues(op, "transient").Inc()
	return &TransientError{Op: op, Attempts: c.retry.MaxAttempts, Err: lastErr}
}

// observe reconciles the limiter with the quota headers of resp.
func (c *Client) observe(resp *gh.Response) {
	if resp == nil || resp.Rate.Limit == 0 {
		return
	}
	c.limiter.Reconcile(resp.Rate.Remaining, resp.Rate.Reset.Time)
	metrics.Get().RateLimitRemaining.Set(float64(resp.Rate.Remaining))
}

// sharesQuota reports whether op is charged to the token's core quota.
// Search has its own per-minute quota and user listings use the caller's
// token, so their headers must not overwrite the core estimate.
func sharesQuota(op string) bool {
	return op != "search" && op != "user_repos"
}

// rateLimited converts upstream quota rejections into RateLimitedError.
func (c *Client) rateLimited(resp *gh.Response, err error, shared bool) *ratelimit.RateLimitedError {
	var primary *gh.RateLimitError
	if errors.As(err, &primary) {
		reset := primary.Rate.Reset.Time
		if shared {
			c.limiter.Reconcile(0, reset)
		}
		return &ratelimit.RateLimitedError{RetryAfter: untilOrDefault(reset, time.Minute)}
	}

	var secondary *gh.AbuseRateLimitError
	if errors.As(err, &secondary) {
		wait := secondary.GetRetryAfter()
		if wait <= 0 {
			wait = time.Minute
		}
		c.limiter.Penalize(wait)
		return &ratelimit.RateLimitedError{RetryAfter: wait}
	}

	if resp != nil && resp.Response != nil && resp.StatusCode == http.StatusTooManyRequests {
		wait := time.Minute
		if s, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil && s > 0 {
			wait = time.Duration(s) * time.Second
		}
		c.limiter.Penalize(wait)
		return &ratelimit.RateLimitedError{RetryAfter: wait}
	}
	return nil
}

func untilOrDefault(t time.Time, def time.Duration) time.Duration {
	if d := time.Until(t); d > 0 {
		return d
	}
	return def
}

func toMetadata(r *gh.Repository) Metadata {
	m := Metadata{
		ID:              r.GetID(),
		FullName:        r.GetFullName(),
		URL:             r.GetHTMLURL(),
		Topics:          append([]string(nil), r.Topics...),
		PrimaryLanguage: r.GetLanguage(),
		Stars:           r.GetStargazersCount(),
		Forks:           r.GetForksCount(),
		UpdatedAt:       r.GetUpdatedAt().Time,
		Fork:            r.GetFork(),
		Archived:        r.GetArchived(),
		Private:         r.GetPrivate(),
	}
	if r.Description != nil {
		d := *r.Description
		m.Description = &d
	}
	if m.URL == "" && m.FullName != "" {
		m.URL = "https://github.com/" + m.FullName
	}
	return m
}

// FetchMetadata returns repository metadata or ErrNotFound.
func (c *Client) FetchMetadata(ctx context.Context, owner, name string) (*Metadata, error) {
	var repo *gh.Repository
	err := c.do(ctx, "metadata", func(ctx context.Context) (*gh.Response, error) {
		r, resp, err := c.api.Repositories.Get(ctx, owner, name)
		repo = r
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	m := toMetadata(repo)
	return &m, nil
}

// FetchReadme returns the raw (decoded) readme or ErrNotFound.
func (c *Client) FetchReadme(ctx context.Context, owner, name string) (string, error) {
	var content *gh.RepositoryContent
	err := c.do(ctx, "readme", func(ctx context.Context) (*gh.Response, error) {
		rc, resp, err := c.api.Repositories.GetReadme(ctx, owner, name, nil)
		content = rc
		return resp, err
	})
	if err != nil {
		return "", err
	}
	text, err := content.GetContent()
	if err != nil {
		return "", fmt.Errorf("decode readme: %w", err)
	}
	return text, nil
}

// FetchLanguages returns the language breakdown as percentages.
func (c *Client) FetchLanguages(ctx context.Context, owner, name string) (map[string]float64, error) {
	var langs map[string]int
	err := c.do(ctx, "languages", func(ctx context.Context) (*gh.Response, error) {
		l, resp, err := c.api.Repositories.ListLanguages(ctx, owner, name)
		langs = l
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return compose.LanguagePercentages(langs), nil
}

// FetchDependencyManifest returns one file from the default branch.
func (c *Client) FetchDependencyManifest(ctx context.Context, owner, name, path string) (string, error) {
	var file *gh.RepositoryContent
	err := c.do(ctx, "manifest", func(ctx context.Context) (*gh.Response, error) {
		f, _, resp, err := c.api.Repositories.GetContents(ctx, owner, name, path, nil)
		file = f
		return resp, err
	})
	if err != nil {
		return "", err
	}
	if file == nil {
		return "", fmt.Errorf("github manifest %s: %w", path, ErrNotFound)
	}
	text, err := file.GetContent()
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", path, err)
	}
	return text, nil
}

// FetchDependencyManifests probes every well-known manifest concurrently and
// returns the ones that exist, keyed by file name. Missing files are skipped;
// any other failure aborts.
func (c *Client) FetchDependencyManifests(ctx context.Context, owner, name string) (map[string]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		found    = make(map[string]string)
		firstErr error
	)
	for _, file := range compose.ManifestFiles {
		wg.Add(1)
		go func(file string) {
			defer wg.Done()
			text, err := c.FetchDependencyManifest(ctx, owner, name, file)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				found[file] = text
			case IsNotFound(err):
			case firstErr == nil:
				firstErr = err
				cancel()
			}
		}(file)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return found, nil
}

// SearchPopular finds repositories tagged with topic above minStars, most
// starred first.
func (c *Client) SearchPopular(ctx context.Context, topic string, minStars, perPage int) ([]Metadata, error) {
	if perPage <= 0 || perPage > 100 {
		perPage = 30
	}
	query := fmt.Sprintf("topic:%s stars:>%d", topic, minStars)
	var result *gh.RepositoriesSearchResult
	err := c.do(ctx, "search", func(ctx context.Context) (*gh.Response, error) {
		r, resp, err := c.api.Search.Repositories(ctx, query, &gh.SearchOptions{
			Sort:        "stars",
			Order:       "desc",
			ListOptions: gh.ListOptions{PerPage: perPage},
		})
		result = r
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	out := make([]Metadata, 0, len(result.Repositories))
	for _, r := range result.Repositories {
		out = append(out, toMetadata(r))
	}
	return out, nil
}

// ListUserRepositories lists repositories of the user owning token, most
// recently updated first. The call still draws from the shared limiter.
func (c *Client) ListUserRepositories(ctx context.Context, token string) ([]Metadata, error) {
	if token == "" {
		return nil, &APIError{Op: "user_repos", StatusCode: http.StatusUnauthorized, Message: "missing user credential"}
	}
	api := c.newAPI(token)
	var repos []*gh.Repository
	err := c.do(ctx, "user_repos", func(ctx context.Context) (*gh.Response, error) {
		r, resp, err := api.Repositories.ListByAuthenticatedUser(ctx, &gh.RepositoryListByAuthenticatedUserOptions{
			Sort:        "updated",
			ListOptions: gh.ListOptions{PerPage: 100},
		})
		repos = r
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	out := make([]Metadata, 0, len(repos))
	for _, r := range repos {
		out = append(out, toMetadata(r))
	}
	return out, nil
}
