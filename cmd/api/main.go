package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/seanblong/reporadar/internal/ai"
	"github.com/seanblong/reporadar/internal/api"
	"github.com/seanblong/reporadar/internal/auth"
	"github.com/seanblong/reporadar/internal/config"
	"github.com/seanblong/reporadar/internal/github"
	"github.com/seanblong/reporadar/internal/indexer"
	"github.com/seanblong/reporadar/internal/ratelimit"
	"github.com/seanblong/reporadar/internal/search"
	"github.com/seanblong/reporadar/internal/store"
	"github.com/seanblong/reporadar/pkg/models"
)

func main() {
	fs := pflag.NewFlagSet("reporadar-api", pflag.ExitOnError)

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
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	log.Logger = logger
	logger.Info().
		Str("provider", cfg.Provider).
		Str("store", cfg.StoreBackend).
		Str("log_level", cfg.LogLevel).
		Bool("auth_enabled", cfg.Auth.Enabled).
		Msg("starting reporadar api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	auth.InitializeAuth(
		cfg.Auth.JwtSecret,
		cfg.Auth.GithubClientID,
		cfg.Auth.GithubClientSecret,
		cfg.Auth.GithubRedirectURL,
		cfg.Auth.GithubAllowedOrg,
		cfg.Auth.Enabled,
	)
	if cfg.GithubAPIURL != "" {
		auth.SetEndpoints("", "", cfg.GithubAPIURL)
	}

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
		logger.Fatal().Err(err).Msg("failed to create GitHub client")
	}

	embedder, err := ai.NewClient(ctx, embedConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create embedding client")
	}
	gateway := ai.NewGateway(embedder, ai.GatewayOptions{})
	if err := gateway.WarmUp(ctx); err != nil {
		logger.Fatal().Err(err).Msg("embedding warm-up failed")
	}
	logger.Info().Int("embedding_dim", gateway.Dim()).Str("embed_model", cfg.EmbedModel).Msg("embedding provider ready")

	st, err := store.Open(ctx, storeConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open vector store")
	}
	defer st.Close()
	if err := st.Migrate(ctx, gateway.Dim()); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate vector store")
	}

	ix := indexer.New(st, gh, gateway, indexer.Config{
		StaleAfter:  cfg.Index.StaleAfter(),
		Concurrency: cfg.Index.Concurrency,
	})
	svc := search.NewService(search.NewEngine(st, cfg.Search.Oversample), st, ix)

	srv := api.New(svc, ix, st, gh, limiter, api.Config{
		Weights:         models.Weights{Purpose: cfg.Search.WeightPurpose, Stack: cfg.Search.WeightStack},
		MinScore:        cfg.Search.MinScore,
		SearchPerMinute: cfg.Throttle.SearchPerMinute,
		IndexPerMinute:  cfg.Throttle.IndexPerMinute,
	})

	s := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Handler(logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown failed")
		}
	}()

	logger.Info().Str("addr", s.Addr).Msg("api server listening")
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server failed")
	}
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
