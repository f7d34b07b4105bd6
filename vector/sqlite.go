package vector

import (
	"container/heap"
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/kalambet/semcache/internal/vec32"
)

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore provides embedding storage and brute-force nearest-neighbor
// search backed by SQLite. It is the default implementation of Store and
// usually shares the database handle of the scalar SQLite store so both
// halves of an entry live in one file.
//
// Brute-force scan is fine up to roughly 100K vectors; past that point
// the Milvus backend with ANN indexes is the better fit.
type SQLiteStore struct {
	db     *sql.DB
	dim    int
	metric Metric
}

// NewSQLite wraps an existing *sql.DB for vector operations. dim fixes
// the embedding dimensionality for the lifetime of the store.
func NewSQLite(db *sql.DB, dim int, metric Metric) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: nil database handle", ErrInvalidConfig)
	}
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidConfig, dim)
	}
	if metric == "" {
		metric = Cosine
	}
	if !metric.valid() {
		return nil, fmt.Errorf("%w: unknown metric %q", ErrInvalidConfig, metric)
	}
	return &SQLiteStore{db: db, dim: dim, metric: metric}, nil
}

// Create provisions the cache_vectors table. Idempotent.
func (s *SQLiteStore) Create(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS cache_vectors (
			id INTEGER PRIMARY KEY,
			embedding BLOB NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("creating cache_vectors table: %w", err)
	}
	return nil
}

// Insert stores one embedding per id in a single transaction.
func (s *SQLiteStore) Insert(ctx context.Context, ids []int64, embeddings [][]float32) error {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO cache_vectors (id, embedding) VALUES (?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for i, id := range ids {
		if _, err := stmt.ExecContext(ctx, id, vec32.Encode(embeddings[i])); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting embedding %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// Embedding returns the stored embedding for id.
func (s *SQLiteStore) Embedding(ctx context.Context, id int64) ([]float32, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT embedding FROM cache_vectors WHERE id = ?", id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying embedding %d: %w", id, err)
	}
	vec, err := vec32.Decode(blob)
	if err != nil {
		return nil, fmt.Errorf("decoding embedding %d: %w", id, err)
	}
	return vec, nil
}

// Delete removes the embeddings for the given ids.
func (s *SQLiteStore) Delete(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := "DELETE FROM cache_vectors WHERE id IN (?" +
		strings.Repeat(",?", len(ids)-1) + ")"
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting embeddings: %w", err)
	}
	return nil
}

// idDistance holds only the id and distance during the scan phase of Search.
type idDistance struct {
	ID       int64
	Distance float32
}

// Search performs a brute-force scan over all vectors, returning the k
// nearest under the store metric, best first.
func (s *SQLiteStore) Search(ctx context.Context, query []float32, k int) ([]Match, error) {
	if len(query) != s.dim {
		return nil, fmt.Errorf("%w: query has dimension %d, store expects %d",
			ErrDimensionMismatch, len(query), s.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, "SELECT id, embedding FROM cache_vectors")
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	queryNorm := vec32.Norm(query)

	h := &worstFirstHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = vec32.DecodeInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %d: %w", id, err)
		}
		if len(buf) != s.dim {
			return nil, fmt.Errorf("%w: stored embedding %d has dimension %d, store expects %d",
				ErrDimensionMismatch, id, len(buf), s.dim)
		}

		dist := s.distance(query, buf, queryNorm)
		if h.Len() < k {
			heap.Push(h, idDistance{ID: id, Distance: dist})
		} else if dist < (*h)[0].Distance {
			(*h)[0] = idDistance{ID: id, Distance: dist}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	// Pop worst-first to produce a best-first result slice.
	matches := make([]Match, h.Len())
	for i := len(matches) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idDistance)
		matches[i] = Match{ID: item.ID, Distance: item.Distance}
	}
	return matches, nil
}

func (s *SQLiteStore) distance(query, candidate []float32, queryNorm float32) float32 {
	switch s.metric {
	case L2:
		return vec32.L2Distance(query, candidate)
	case InnerProduct:
		return -vec32.Dot(query, candidate)
	default:
		return vec32.CosineDistance(query, candidate, queryNorm, vec32.Norm(candidate))
	}
}

// Flush is a no-op: writes are committed per transaction, and WAL
// checkpointing is owned by the scalar store sharing this handle.
func (s *SQLiteStore) Flush(ctx context.Context) error {
	return nil
}

// Close is a no-op when the handle is shared with the scalar store,
// which owns the connection lifecycle.
func (s *SQLiteStore) Close() error {
	return nil
}

// worstFirstHeap keeps the current top-k with the worst (largest
// distance) candidate on top so it can be replaced in O(log k).
type worstFirstHeap []idDistance

func (h worstFirstHeap) Len() int            { return len(h) }
func (h worstFirstHeap) Less(i, j int) bool  { return h[i].Distance > h[j].Distance }
func (h worstFirstHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *worstFirstHeap) Push(x interface{}) { *h = append(*h, x.(idDistance)) }
func (h *worstFirstHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
