package indexer

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/reporadar/internal/ratelimit"
	"github.com/seanblong/reporadar/pkg/models"
)

// DefaultSeedTopics are crawled when seeding an empty index.
var DefaultSeedTopics = []string{
	"web-framework", "machine-learning", "cli-tool", "database", "game-engine",
	"mobile-app", "devops", "data-science", "api", "testing",
	"security", "blockchain", "compiler", "networking", "gui",
	"text-editor", "package-manager", "static-site-generator", "orm", "message-queue",
	"monitoring", "container", "search-engine", "http-client", "image-processing",
	"nlp", "embedded", "terminal", "linter", "build-tool",
}

type SeedOptions struct {
	Topics   []string
	MinStars int
	PerTopic int
	// Limit caps the number of repositories returned; zero means no cap.
	Limit int
}

// Discover collects popular repositories for each topic, most starred first,
// skipping forks, archived repositories and names already seen. A failing
// topic is logged and skipped.
func (ix *Indexer) Discover(ctx context.Context, opts SeedOptions) ([]models.RepoRef, error) {
	ctx = ratelimit.WithPriority(ctx, ratelimit.Background)
	topics := opts.Topics
	if len(topics) == 0 {
		topics = DefaultSeedTopics
	}

	seen := make(map[string]bool)
	var refs []models.RepoRef
	for _, topic := range topics {
		if err := ctx.Err(); err != nil {
			return refs, err
		}
		found, err := ix.Fetcher.SearchPopular(ctx, topic, opts.MinStars, opts.PerTopic)
		if err != nil {
			if ctx.Err() != nil {
				return refs, ctx.Err()
			}
			log.Warn().Err(err).Str("topic", topic).Msg("topic search failed, skipping")
			continue
		}
		added := 0
		for _, m := range found {
			if m.Fork || m.Archived {
				continue
			}
			ref, ok := models.SplitFullName(m.FullName)
			if !ok || seen[ref.Key()] {
				continue
			}
			seen[ref.Key()] = true
			refs = append(refs, ref)
			added++
			if opts.Limit > 0 && len(refs) >= opts.Limit {
				log.Info().Str("topic", topic).Int("added", added).Msg("seed limit reached")
				return refs, nil
			}
		}
		log.Info().Str("topic", topic).Int("found", len(found)).Int("added", added).Msg("topic discovered")
	}
	return refs, nil
}
