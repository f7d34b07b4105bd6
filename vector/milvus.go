package vector

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

// Compile-time check that MilvusStore implements Store.
var _ Store = (*MilvusStore)(nil)

// milvusAPI is the subset of the Milvus SDK client the store uses,
// extracted so tests can substitute a mock.
type milvusAPI interface {
	HasCollection(ctx context.Context, collName string) (bool, error)
	CreateCollection(ctx context.Context, collSchema *entity.Schema, shardNum int32, opts ...client.CreateCollectionOption) error
	CreateIndex(ctx context.Context, collName string, fieldName string, idx entity.Index, async bool, opts ...client.IndexOption) error
	LoadCollection(ctx context.Context, collName string, async bool, opts ...client.LoadCollectionOption) error
	Upsert(ctx context.Context, collName string, partitionName string, columns ...entity.Column) (entity.Column, error)
	Delete(ctx context.Context, collName string, partitionName string, expr string) error
	Search(ctx context.Context, collName string, partitions []string, expr string, outputFields []string, vectors []entity.Vector, vectorField string, metricType entity.MetricType, topK int, sp entity.SearchParam, opts ...client.SearchQueryOptionFunc) ([]client.SearchResult, error)
	Query(ctx context.Context, collName string, partitions []string, expr string, outputFields []string, opts ...client.SearchQueryOptionFunc) (client.ResultSet, error)
	Flush(ctx context.Context, collName string, async bool, opts ...client.FlushOption) error
	Close() error
}

// MilvusConfig configures the Milvus vector backend.
type MilvusConfig struct {
	// Address is the Milvus proxy address, e.g. "localhost:19530".
	Address string
	// Collection names the backing collection. Defaults to
	// "semcache_entries".
	Collection string
	// Dim fixes the embedding dimensionality for the store instance.
	Dim int
	// Metric selects the comparison metric. Defaults to Cosine.
	Metric Metric
}

// MilvusStore is the distributed vector backend.
//
// Milvus is eventually consistent between flushes, so a vector may lag
// its scalar record briefly after insert or delete; the data manager
// tolerates stale search candidates by hydrating through the scalar
// store, which stays authoritative.
type MilvusStore struct {
	api        milvusAPI
	collection string
	dim        int
	metric     Metric
}

const (
	milvusIDField     = "id"
	milvusVectorField = "embedding"
)

// OpenMilvus dials the Milvus proxy named by cfg.Address.
func OpenMilvus(ctx context.Context, cfg MilvusConfig) (*MilvusStore, error) {
	s, err := newMilvusStore(nil, cfg)
	if err != nil {
		return nil, err
	}
	api, err := client.NewClient(ctx, client.Config{Address: cfg.Address})
	if err != nil {
		return nil, fmt.Errorf("connecting to milvus: %w", err)
	}
	s.api = api
	return s, nil
}

func newMilvusStore(api milvusAPI, cfg MilvusConfig) (*MilvusStore, error) {
	if cfg.Address == "" && api == nil {
		return nil, fmt.Errorf("%w: milvus backend requires an address", ErrInvalidConfig)
	}
	if cfg.Dim <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidConfig, cfg.Dim)
	}
	metric := cfg.Metric
	if metric == "" {
		metric = Cosine
	}
	if !metric.valid() {
		return nil, fmt.Errorf("%w: unknown metric %q", ErrInvalidConfig, metric)
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "semcache_entries"
	}
	return &MilvusStore{api: api, collection: collection, dim: cfg.Dim, metric: metric}, nil
}

func (s *MilvusStore) metricType() entity.MetricType {
	switch s.metric {
	case L2:
		return entity.L2
	case InnerProduct:
		return entity.IP
	default:
		return entity.COSINE
	}
}

// Create provisions the collection, its index, and loads it for search.
// Idempotent.
func (s *MilvusStore) Create(ctx context.Context) error {
	exists, err := s.api.HasCollection(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("checking collection: %w", err)
	}

	if !exists {
		schema := entity.NewSchema().
			WithName(s.collection).
			WithField(entity.NewField().
				WithName(milvusIDField).
				WithDataType(entity.FieldTypeInt64).
				WithIsPrimaryKey(true)).
			WithField(entity.NewField().
				WithName(milvusVectorField).
				WithDataType(entity.FieldTypeFloatVector).
				WithDim(int64(s.dim)))
		if err := s.api.CreateCollection(ctx, schema, 1); err != nil {
			return fmt.Errorf("creating collection: %w", err)
		}

		idx, err := entity.NewIndexAUTOINDEX(s.metricType())
		if err != nil {
			return fmt.Errorf("building index spec: %w", err)
		}
		if err := s.api.CreateIndex(ctx, s.collection, milvusVectorField, idx, false); err != nil {
			return fmt.Errorf("creating index: %w", err)
		}
	}

	if err := s.api.LoadCollection(ctx, s.collection, false); err != nil {
		return fmt.Errorf("loading collection: %w", err)
	}
	return nil
}

// Insert upserts one embedding per id.
func (s *MilvusStore) Insert(ctx context.Context, ids []int64, embeddings [][]float32) error {
	if len(ids) != len(embeddings) {
		return fmt.Errorf("ids/embeddings length mismatch: %d vs %d", len(ids), len(embeddings))
	}
	if len(ids) == 0 {
		return nil
	}
	for i, e := range embeddings {
		if len(e) != s.dim {
			return fmt.Errorf("%w: id %d has dimension %d, store expects %d",
				ErrDimensionMismatch, ids[i], len(e), s.dim)
		}
	}

	idCol := entity.NewColumnInt64(milvusIDField, ids)
	vecCol := entity.NewColumnFloatVector(milvusVectorField, s.dim, embeddings)
	if _, err := s.api.Upsert(ctx, s.collection, "", idCol, vecCol); err != nil {
		return fmt.Errorf("upserting embeddings: %w", err)
	}
	return nil
}

// Embedding returns the stored embedding for id.
func (s *MilvusStore) Embedding(ctx context.Context, id int64) ([]float32, error) {
	rs, err := s.api.Query(ctx, s.collection, nil,
		fmt.Sprintf("%s == %d", milvusIDField, id), []string{milvusVectorField})
	if err != nil {
		return nil, fmt.Errorf("querying embedding %d: %w", id, err)
	}

	col := rs.GetColumn(milvusVectorField)
	if col == nil || col.Len() == 0 {
		return nil, ErrNotFound
	}
	vecCol, ok := col.(*entity.ColumnFloatVector)
	if !ok {
		return nil, fmt.Errorf("unexpected column type %T for %q", col, milvusVectorField)
	}
	return vecCol.Data()[0], nil
}

// Delete removes the embeddings for the given ids with an
// "id in [...]" expression.
func (s *MilvusStore) Delete(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	expr := fmt.Sprintf("%s in [%s]", milvusIDField, strings.Join(parts, ", "))
	if err := s.api.Delete(ctx, s.collection, "", expr); err != nil {
		return fmt.Errorf("deleting embeddings: %w", err)
	}
	return nil
}

// Search returns up to k matches ranked best first. Milvus reports
// similarity scores for COSINE/IP and distances for L2; scores are
// normalized here so a smaller distance is always the better match.
func (s *MilvusStore) Search(ctx context.Context, query []float32, k int) ([]Match, error) {
	if len(query) != s.dim {
		return nil, fmt.Errorf("%w: query has dimension %d, store expects %d",
			ErrDimensionMismatch, len(query), s.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	sp, err := entity.NewIndexAUTOINDEXSearchParam(1)
	if err != nil {
		return nil, fmt.Errorf("building search params: %w", err)
	}

	results, err := s.api.Search(ctx, s.collection, nil, "", []string{milvusIDField},
		[]entity.Vector{entity.FloatVector(query)}, milvusVectorField,
		s.metricType(), k, sp)
	if err != nil {
		return nil, fmt.Errorf("searching: %w", err)
	}

	var matches []Match
	for _, res := range results {
		idCol, ok := res.IDs.(*entity.ColumnInt64)
		if !ok {
			return nil, fmt.Errorf("unexpected id column type %T", res.IDs)
		}
		for i, id := range idCol.Data() {
			matches = append(matches, Match{ID: id, Distance: s.toDistance(res.Scores[i])})
		}
	}
	return matches, nil
}

func (s *MilvusStore) toDistance(score float32) float32 {
	switch s.metric {
	case L2:
		return score
	case InnerProduct:
		return -score
	default:
		return 1 - score
	}
}

// Flush persists segments so inserted vectors become durable and
// searchable.
func (s *MilvusStore) Flush(ctx context.Context) error {
	if err := s.api.Flush(ctx, s.collection, false); err != nil {
		return fmt.Errorf("flushing collection: %w", err)
	}
	return nil
}

// Close releases the client connection.
func (s *MilvusStore) Close() error {
	return s.api.Close()
}
