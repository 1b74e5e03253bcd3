package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/seanblong/reporadar/internal/ai"
	"github.com/seanblong/reporadar/internal/config"
	"github.com/seanblong/reporadar/internal/github"
	"github.com/seanblong/reporadar/internal/indexer"
	"github.com/seanblong/reporadar/internal/ratelimit"
	"github.com/seanblong/reporadar/internal/store"
	"github.com/seanblong/reporadar/pkg/models"
)

func main() {
	fs := pflag.NewFlagSet("reporadar-indexer", pflag.ExitOnError)
	stale := fs.Bool("stale", false, "Re-index repositories older than the stale window instead of seeding")
	limit := fs.Int("limit", 0, "Maximum repositories to process (0 = no limit)")
	dryRun := fs.Bool("dry-run", false, "List what would be indexed without fetching or embedding")
	topics := fs.StringSlice("topics", nil, "Seed topics (defaults to the built-in topic list)")

	cfg, err := config.Load("", fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level '%s': %v\n", cfg.LogLevel, err)
		os.Exit(1)
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limiter := ratelimit.New(ratelimit.Config{
		Capacity:           cfg.RateLimit.Capacity,
		BackgroundCapacity: cfg.RateLimit.Background,
		MaxWait:            cfg.RateLimit.MaxWait(),
	})
	gh, err := github.NewClient(github.Options{
		Token:   cfg.GithubToken,
		Limiter: limiter,
		BaseURL: cfg.GithubAPIURL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create GitHub client")
	}

	st, err := store.Open(ctx, storeConfig(cfg))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open vector store")
	}
	defer st.Close()

	var pairs indexer.PairEmbedder
	if !*dryRun {
		embedder, err := ai.NewClient(ctx, embedConfig(cfg))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create embedding client")
		}
		gateway := ai.NewGateway(embedder, ai.GatewayOptions{})
		if err := gateway.WarmUp(ctx); err != nil {
			log.Fatal().Err(err).Msg("embedding warm-up failed")
		}
		if err := st.Migrate(ctx, gateway.Dim()); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate vector store")
		}
		pairs = gateway
	}

	ix := indexer.New(st, gh, pairs, indexer.Config{
		StaleAfter:  cfg.Index.StaleAfter(),
		Concurrency: cfg.Index.Concurrency,
	})

	var res models.BatchResult
	switch {
	case *stale:
		if *dryRun {
			recs, err := ix.ListStale(ctx, *limit)
			if err != nil {
				log.Fatal().Err(err).Msg("listing stale repositories failed")
			}
			for _, r := range recs {
				fmt.Printf("%s\t%s\n", r.FullName, r.IndexedAt.Format("2006-01-02"))
			}
			return
		}
		res, err = ix.RefreshStale(ctx, *limit)
		if err != nil {
			log.Fatal().Err(err).Msg("stale refresh failed")
		}
	default:
		refs, err := targets(ctx, ix, fs.Args(), *topics, cfg, *limit)
		if err != nil {
			log.Fatal().Err(err).Msg("seed discovery failed")
		}
		if *dryRun {
			for _, r := range refs {
				fmt.Println(r.FullName())
			}
			return
		}
		res = ix.IndexBatch(ctx, refs, indexer.Options{})
	}

	for _, item := range res.Items {
		if item.Status == models.StatusFailed {
			log.Warn().Str("repo", item.Repo.FullName()).Str("error", item.Error).Msg("index failed")
		}
	}
	log.Info().
		Int("total", res.Total).
		Int("indexed", res.Indexed).
		Int("already_indexed", res.AlreadyIndexed).
		Int("failed", res.Failed).
		Msg("indexing complete")

	if res.Total > 0 && res.Failed == res.Total {
		os.Exit(1)
	}
}

// targets returns the explicit owner/name arguments when given, otherwise
// discovers popular repositories by topic.
func targets(ctx context.Context, ix *indexer.Indexer, args, topics []string, cfg config.Specification, limit int) ([]models.RepoRef, error) {
	if len(args) > 0 {
		refs := make([]models.RepoRef, 0, len(args))
		for _, a := range args {
			ref, ok := models.SplitFullName(a)
			if !ok {
				return nil, fmt.Errorf("invalid repository %q, expected owner/name", a)
			}
			refs = append(refs, ref)
		}
		if limit > 0 && len(refs) > limit {
			refs = refs[:limit]
		}
		return refs, nil
	}
	return ix.Discover(ctx, indexer.SeedOptions{
		Topics:   topics,
		MinStars: cfg.Seed.MinStars,
		PerTopic: cfg.Seed.PerTopic,
		Limit:    limit,
	})
}

func embedConfig(cfg config.Specification) *ai.ClientConfig {
	provider := ai.Provider(strings.ToLower(cfg.Provider))
	if provider == "google" {
		provider = ai.ProviderVertexAI
	}
	return &ai.ClientConfig{
		Provider:   provider,
		APIKey:     cfg.APIKey,
		EmbedModel: cfg.EmbedModel,
		Dim:        cfg.Dim,
		ProjectID:  cfg.ProjectID,
		Location:   cfg.Location,
		BaseURL:    cfg.BaseURL,
		CacheDir:   cfg.CacheDir,
	}
}

func storeConfig(cfg config.Specification) store.Config {
	return store.Config{
		Backend:     cfg.StoreBackend,
		DatabaseURL: cfg.Database,
		Qdrant: store.QdrantConfig{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			APIKey:     cfg.Qdrant.APIKey,
			UseTLS:     cfg.Qdrant.UseTLS,
			Collection: cfg.Qdrant.Collection,
		},
	}
}
