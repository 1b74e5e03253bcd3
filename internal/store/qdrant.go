package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/seanblong/reporadar/pkg/models"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultCollection is the qdrant collection holding repository points.
const DefaultCollection = "repositories"

type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
}

// QdrantStore keeps one point per repository with named purpose and stack vectors.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
}

func NewQdrant(cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	c, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, unavailable("connect", err)
	}
	return &QdrantStore{client: c, collection: cfg.Collection}, nil
}

func (s *QdrantStore) Close() { _ = s.client.Close() }

// Migrate creates the collection and payload indexes when missing.
func (s *QdrantStore) Migrate(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("invalid embedding dimension %d", dim)
	}
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return qdrantErr("migrate", err)
	}
	if !exists {
		params := func() *qdrant.VectorParams {
			return &qdrant.VectorParams{Size: uint64(dim), Distance: qdrant.Distance_Cosine}
		}
		err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
				string(models.SpacePurpose): params(),
				string(models.SpaceStack):   params(),
			}),
			QuantizationConfig: qdrant.NewQuantizationScalar(&qdrant.ScalarQuantization{
				Type:      qdrant.QuantizationType_Int8,
				AlwaysRam: qdrant.PtrOf(true),
			}),
		})
		if err != nil {
			return qdrantErr("migrate", err)
		}
	}

	indexes := []struct {
		field string
		typ   qdrant.FieldType
	}{
		{"full_name_lc", qdrant.FieldType_FieldTypeKeyword},
		{"indexed_at", qdrant.FieldType_FieldTypeInteger},
		{"stars", qdrant.FieldType_FieldTypeInteger},
	}
	for _, ix := range indexes {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.collection,
			Wait:           qdrant.PtrOf(true),
			FieldName:      ix.field,
			FieldType:      qdrant.PtrOf(ix.typ),
		})
		if err != nil {
			return qdrantErr("migrate", err)
		}
	}
	return nil
}

// Upsert replaces the point for rec.ID. Points sharing the full name under
// another id are deleted first.
func (s *QdrantStore) Upsert(ctx context.Context, rec models.RepositoryRecord, pair models.EmbeddingPair) error {
	if err := checkPair(pair); err != nil {
		return err
	}
	payload, err := encodePayload(rec)
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err = s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must:    []*qdrant.Condition{qdrant.NewMatchKeyword("full_name_lc", strings.ToLower(rec.FullName))},
			MustNot: []*qdrant.Condition{qdrant.NewHasID(qdrant.NewIDNum(uint64(rec.ID)))},
		}),
	})
	if err != nil {
		return qdrantErr("upsert", err)
	}

	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id: qdrant.NewIDNum(uint64(rec.ID)),
			Vectors: qdrant.NewVectorsMap(map[string]*qdrant.Vector{
				string(models.SpacePurpose): qdrant.NewVectorDense(pair.Purpose),
				string(models.SpaceStack):   qdrant.NewVectorDense(pair.Stack),
			}),
			Payload: payload,
		}},
	})
	if err != nil {
		return qdrantErr("upsert", err)
	}
	return nil
}

func (s *QdrantStore) SearchByVector(ctx context.Context, space models.Space, vec []float32, limit int) ([]models.Candidate, error) {
	if _, err := vectorColumn(space); err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	hits, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQueryDense(vec),
		Using:          qdrant.PtrOf(string(space)),
		Limit:          qdrant.PtrOf(uint64(normalizeLimit(limit))),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, qdrantErr("search", err)
	}
	out := make([]models.Candidate, 0, len(hits))
	for _, h := range hits {
		rec := decodePayload(h.GetId().GetNum(), h.GetPayload())
		out = append(out, models.Candidate{Record: rec, Score: float64(h.GetScore())})
	}
	return out, nil
}

func (s *QdrantStore) Get(ctx context.Context, id int64) (models.RepositoryRecord, bool, error) {
	pts, err := s.getPoints(ctx, id, false)
	if err != nil || len(pts) == 0 {
		return models.RepositoryRecord{}, false, err
	}
	return decodePayload(pts[0].GetId().GetNum(), pts[0].GetPayload()), true, nil
}

func (s *QdrantStore) GetByFullName(ctx context.Context, fullName string) (models.RepositoryRecord, bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	pts, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: s.collection,
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatchKeyword("full_name_lc", strings.ToLower(fullName))},
		},
		Limit:       qdrant.PtrOf(uint32(1)),
		WithPayload: qdrant.NewWithPayload(true),
	})
	if err != nil {
		return models.RepositoryRecord{}, false, qdrantErr("get", err)
	}
	if len(pts) == 0 {
		return models.RepositoryRecord{}, false, nil
	}
	return decodePayload(pts[0].GetId().GetNum(), pts[0].GetPayload()), true, nil
}

func (s *QdrantStore) Vectors(ctx context.Context, id int64) (models.EmbeddingPair, bool, error) {
	pts, err := s.getPoints(ctx, id, true)
	if err != nil || len(pts) == 0 {
		return models.EmbeddingPair{}, false, err
	}
	named := pts[0].GetVectors().GetVectors().GetVectors()
	pair := models.EmbeddingPair{
		Purpose: denseData(named[string(models.SpacePurpose)]),
		Stack:   denseData(named[string(models.SpaceStack)]),
	}
	if len(pair.Purpose) == 0 || len(pair.Stack) == 0 {
		return models.EmbeddingPair{}, false, nil
	}
	return pair, true, nil
}

func (s *QdrantStore) getPoints(ctx context.Context, id int64, withVectors bool) ([]*qdrant.RetrievedPoint, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	pts, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.collection,
		Ids:            []*qdrant.PointId{qdrant.NewIDNum(uint64(id))},
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(withVectors),
	})
	if err != nil {
		return nil, qdrantErr("get", err)
	}
	return pts, nil
}

func (s *QdrantStore) Delete(ctx context.Context, id int64) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelector(qdrant.NewIDNum(uint64(id))),
	})
	if err != nil {
		return qdrantErr("delete", err)
	}
	return nil
}

func (s *QdrantStore) Exists(ctx context.Context, id int64) (bool, error) {
	pts, err := s.getPoints(ctx, id, false)
	if err != nil {
		return false, err
	}
	return len(pts) > 0, nil
}

func (s *QdrantStore) Count(ctx context.Context) (int64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, qdrantErr("count", err)
	}
	return int64(n), nil
}

// ListStale scrolls points whose indexed_at is before the cutoff, oldest first.
func (s *QdrantStore) ListStale(ctx context.Context, before time.Time, limit int) ([]models.RepositoryRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewRange("indexed_at", &qdrant.Range{Lt: qdrant.PtrOf(float64(before.Unix()))}),
		},
	}
	n := uint64(limit)
	if limit <= 0 {
		total, err := s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: s.collection,
			Filter:         filter,
			Exact:          qdrant.PtrOf(true),
		})
		if err != nil {
			return nil, qdrantErr("list stale", err)
		}
		if total == 0 {
			return nil, nil
		}
		n = total
	}

	pts, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: s.collection,
		Filter:         filter,
		Limit:          qdrant.PtrOf(uint32(n)),
		OrderBy:        &qdrant.OrderBy{Key: "indexed_at"},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, qdrantErr("list stale", err)
	}
	out := make([]models.RepositoryRecord, 0, len(pts))
	for _, p := range pts {
		out = append(out, decodePayload(p.GetId().GetNum(), p.GetPayload()))
	}
	return out, nil
}

func (s *QdrantStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func encodePayload(rec models.RepositoryRecord) (map[string]*qdrant.Value, error) {
	langs := make(map[string]any, len(rec.Languages))
	for k, v := range rec.Languages {
		langs[k] = v
	}
	indexedAt := rec.IndexedAt
	if indexedAt.IsZero() {
		indexedAt = time.Now().UTC()
	}
	m := map[string]any{
		"full_name":        rec.FullName,
		"full_name_lc":     strings.ToLower(rec.FullName),
		"url":              rec.URL,
		"topics":           toAnySlice(rec.Topics),
		"language_primary": rec.PrimaryLanguage,
		"languages":        langs,
		"dependencies":     toAnySlice(rec.Dependencies),
		"stars":            int64(rec.Stars),
		"forks":            int64(rec.Forks),
		"indexed_at":       indexedAt.Unix(),
	}
	if rec.Description != nil {
		m["description"] = *rec.Description
	}
	if !rec.UpdatedAt.IsZero() {
		m["updated_at"] = rec.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return qdrant.TryValueMap(m)
}

func decodePayload(id uint64, p map[string]*qdrant.Value) models.RepositoryRecord {
	r := models.RepositoryRecord{
		ID:              int64(id),
		FullName:        p["full_name"].GetStringValue(),
		URL:             p["url"].GetStringValue(),
		Topics:          fromList(p["topics"]),
		PrimaryLanguage: p["language_primary"].GetStringValue(),
		Dependencies:    fromList(p["dependencies"]),
		Stars:           int(p["stars"].GetIntegerValue()),
		Forks:           int(p["forks"].GetIntegerValue()),
	}
	if v, ok := p["description"]; ok {
		if sv, isStr := v.GetKind().(*qdrant.Value_StringValue); isStr {
			d := sv.StringValue
			r.Description = &d
		}
	}
	if fields := p["languages"].GetStructValue().GetFields(); len(fields) > 0 {
		r.Languages = make(map[string]float64, len(fields))
		for k, v := range fields {
			r.Languages[k] = v.GetDoubleValue()
		}
	}
	if ts := p["updated_at"].GetStringValue(); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			r.UpdatedAt = t
		}
	}
	if sec := p["indexed_at"].GetIntegerValue(); sec > 0 {
		r.IndexedAt = time.Unix(sec, 0).UTC()
	}
	return r
}

func denseData(v *qdrant.VectorOutput) []float32 {
	if d := v.GetDense().GetData(); len(d) > 0 {
		return d
	}
	return v.GetData()
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func fromList(v *qdrant.Value) []string {
	vals := v.GetListValue().GetValues()
	out := make([]string, 0, len(vals))
	for _, x := range vals {
		out = append(out, x.GetStringValue())
	}
	return out
}

func qdrantErr(op string, err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return unavailable(op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
