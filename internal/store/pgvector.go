package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/seanblong/reporadar/pkg/models"
)

// PGStore keeps repositories and both vectors in one Postgres table.
type PGStore struct {
	pool *pgxpool.Pool
}

// New creates a new PGStore connected to the given database URL.
func New(ctx context.Context, url string) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, unavailable("connect", err)
	}
	return &PGStore{pool: p}, nil
}

func (s *PGStore) Close() { s.pool.Close() }

// Migrate creates the schema. Safe to run on every start.
func (s *PGStore) Migrate(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("invalid embedding dimension %d", dim)
	}
	q := `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS repositories (
  id               BIGINT PRIMARY KEY,
  full_name        TEXT NOT NULL,
  full_name_lc     TEXT GENERATED ALWAYS AS (lower(full_name)) STORED,
  url              TEXT NOT NULL,
  description      TEXT,
  topics           TEXT[] NOT NULL DEFAULT '{}',
  language_primary TEXT NOT NULL DEFAULT '',
  languages        JSONB NOT NULL DEFAULT '{}',
  dependencies     TEXT[] NOT NULL DEFAULT '{}',
  stars            INT NOT NULL DEFAULT 0,
  forks            INT NOT NULL DEFAULT 0,
  updated_at       TIMESTAMP WITH TIME ZONE,
  indexed_at       TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
  purpose_vec      vector(%d) NOT NULL,
  stack_vec        vector(%d) NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS repositories_full_name_lc_uidx
  ON repositories (full_name_lc);

CREATE INDEX IF NOT EXISTS repositories_indexed_at_idx
  ON repositories (indexed_at);

CREATE INDEX IF NOT EXISTS repositories_purpose_vec_idx
  ON repositories USING hnsw (purpose_vec vector_cosine_ops);

CREATE INDEX IF NOT EXISTS repositories_stack_vec_idx
  ON repositories USING hnsw (stack_vec vector_cosine_ops);
`
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(q, dim, dim)); err != nil {
		return classify("migrate", err)
	}
	return nil
}

// Upsert writes the record and both vectors in one transaction. A previous
// row with the same full name but a different id is removed first.
func (s *PGStore) Upsert(ctx context.Context, rec models.RepositoryRecord, pair models.EmbeddingPair) error {
	if err := checkPair(pair); err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify("upsert", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM repositories WHERE full_name_lc = lower($1) AND id <> $2`,
		rec.FullName, rec.ID); err != nil {
		return classify("upsert", err)
	}

	const q = `
		INSERT INTO repositories (
			id, full_name, url, description, topics, language_primary, languages,
			dependencies, stars, forks, updated_at, indexed_at, purpose_vec, stack_vec
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			full_name        = EXCLUDED.full_name,
			url              = EXCLUDED.url,
			description      = EXCLUDED.description,
			topics           = EXCLUDED.topics,
			language_primary = EXCLUDED.language_primary,
			languages        = EXCLUDED.languages,
			dependencies     = EXCLUDED.dependencies,
			stars            = EXCLUDED.stars,
			forks            = EXCLUDED.forks,
			updated_at       = EXCLUDED.updated_at,
			indexed_at       = EXCLUDED.indexed_at,
			purpose_vec      = EXCLUDED.purpose_vec,
			stack_vec        = EXCLUDED.stack_vec;`

	indexedAt := rec.IndexedAt
	if indexedAt.IsZero() {
		indexedAt = time.Now().UTC()
	}
	langs := rec.Languages
	if langs == nil {
		langs = map[string]float64{}
	}
	if _, err := tx.Exec(ctx, q,
		rec.ID, rec.FullName, rec.URL, rec.Description, nonNil(rec.Topics), rec.PrimaryLanguage, langs,
		nonNil(rec.Dependencies), rec.Stars, rec.Forks, nullTime(rec.UpdatedAt), indexedAt,
		pgvector.NewVector(pair.Purpose), pgvector.NewVector(pair.Stack),
	); err != nil {
		return classify("upsert", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("upsert", err)
	}
	return nil
}

const recordColumns = `id, full_name, url, description, topics, language_primary, languages,
	dependencies, stars, forks, updated_at, indexed_at`

// SearchByVector returns the nearest neighbours in one space, scored as 1 - cosine distance.
func (s *PGStore) SearchByVector(ctx context.Context, space models.Space, vec []float32, limit int) ([]models.Candidate, error) {
	col, err := vectorColumn(space)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	q := fmt.Sprintf(`
SELECT %s, 1 - (%s <=> $1) AS score
FROM repositories
ORDER BY %s <=> $1
LIMIT $2`, recordColumns, col, col)

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vec), normalizeLimit(limit))
	if err != nil {
		return nil, classify("search", err)
	}
	defer rows.Close()

	var out []models.Candidate
	for rows.Next() {
		var c models.Candidate
		if err := scanRecord(rows, &c.Record, &c.Score); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("search", err)
	}
	return out, nil
}

func (s *PGStore) Get(ctx context.Context, id int64) (models.RepositoryRecord, bool, error) {
	return s.getOne(ctx, `SELECT `+recordColumns+` FROM repositories WHERE id = $1`, id)
}

// GetByFullName looks up a record case-insensitively.
func (s *PGStore) GetByFullName(ctx context.Context, fullName string) (models.RepositoryRecord, bool, error) {
	return s.getOne(ctx, `SELECT `+recordColumns+` FROM repositories WHERE full_name_lc = lower($1)`, fullName)
}

func (s *PGStore) getOne(ctx context.Context, q string, arg any) (models.RepositoryRecord, bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var r models.RepositoryRecord
	err := scanRecord(s.pool.QueryRow(ctx, q, arg), &r)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.RepositoryRecord{}, false, nil
		}
		return models.RepositoryRecord{}, false, classify("get", err)
	}
	return r, true, nil
}

// Vectors loads the stored embedding pair for id.
func (s *PGStore) Vectors(ctx context.Context, id int64) (models.EmbeddingPair, bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var pv, sv pgvector.Vector
	err := s.pool.QueryRow(ctx, `SELECT purpose_vec, stack_vec FROM repositories WHERE id = $1`, id).Scan(&pv, &sv)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.EmbeddingPair{}, false, nil
		}
		return models.EmbeddingPair{}, false, classify("vectors", err)
	}
	return models.EmbeddingPair{Purpose: pv.Slice(), Stack: sv.Slice()}, true, nil
}

func (s *PGStore) Delete(ctx context.Context, id int64) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	if _, err := s.pool.Exec(ctx, `DELETE FROM repositories WHERE id = $1`, id); err != nil {
		return classify("delete", err)
	}
	return nil
}

func (s *PGStore) Exists(ctx context.Context, id int64) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var ok bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM repositories WHERE id = $1)`, id).Scan(&ok); err != nil {
		return false, classify("exists", err)
	}
	return ok, nil
}

func (s *PGStore) Count(ctx context.Context) (int64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM repositories`).Scan(&n); err != nil {
		return 0, classify("count", err)
	}
	return n, nil
}

// ListStale returns records indexed before the cutoff, oldest first.
func (s *PGStore) ListStale(ctx context.Context, before time.Time, limit int) ([]models.RepositoryRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	q := `SELECT ` + recordColumns + ` FROM repositories WHERE indexed_at < $1 ORDER BY indexed_at ASC`
	args := []any{before}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, classify("list stale", err)
	}
	defer rows.Close()

	var out []models.RepositoryRecord
	for rows.Next() {
		var r models.RepositoryRecord
		if err := scanRecord(rows, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list stale", err)
	}
	return out, nil
}

// Ping checks the database connectivity.
func (s *PGStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func scanRecord(row pgx.Row, r *models.RepositoryRecord, extra ...any) error {
	var updatedAt *time.Time
	dest := []any{
		&r.ID, &r.FullName, &r.URL, &r.Description, &r.Topics, &r.PrimaryLanguage, &r.Languages,
		&r.Dependencies, &r.Stars, &r.Forks, &updatedAt, &r.IndexedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return err
	}
	if updatedAt != nil {
		r.UpdatedAt = *updatedAt
	}
	return nil
}

func vectorColumn(space models.Space) (string, error) {
	switch space {
	case models.SpacePurpose:
		return "purpose_vec", nil
	case models.SpaceStack:
		return "stack_vec", nil
	default:
		return "", fmt.Errorf("unknown vector space %q", space)
	}
}

// classify separates server-side query errors from connectivity failures.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return unavailable(op, err)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
