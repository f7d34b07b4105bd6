// Package vector persists embeddings keyed by entry id and answers
// nearest-neighbor queries. Backends: an embedded SQLite store with
// brute-force search, and a Milvus store for distributed deployments.
package vector

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no embedding exists for a requested id.
var ErrNotFound = errors.New("embedding not found")

// ErrInvalidConfig is returned when a backend is constructed with a
// missing or unrecognized option.
var ErrInvalidConfig = errors.New("invalid vector store config")

// ErrDimensionMismatch is returned when an embedding does not match the
// dimensionality fixed for the store instance.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Metric selects how embeddings are compared. Fixed per store instance.
type Metric string

const (
	// Cosine reports 1 - cosine similarity, so identical directions have
	// distance 0 and opposite directions distance 2.
	Cosine Metric = "cosine"
	// L2 reports Euclidean distance.
	L2 Metric = "l2"
	// InnerProduct reports the negated dot product so that, like the
	// other metrics, a smaller distance is a better match.
	InnerProduct Metric = "ip"
)

func (m Metric) valid() bool {
	switch m {
	case Cosine, L2, InnerProduct:
		return true
	}
	return false
}

// Match is one nearest-neighbor candidate. Distance is lower-is-better
// under every metric.
type Match struct {
	ID       int64
	Distance float32
}

// Store is the vector storage contract. The id space is shared with the
// scalar store: an embedding exists for an id exactly when the scalar
// record does. All methods are safe for concurrent use.
type Store interface {
	// Create idempotently provisions backend-side structures
	// (tables/collections/indices).
	Create(ctx context.Context) error

	// Insert stores one embedding per id. len(ids) must equal
	// len(embeddings) and every embedding must match the store dimension.
	Insert(ctx context.Context, ids []int64, embeddings [][]float32) error

	// Embedding returns the stored embedding for id, or ErrNotFound.
	Embedding(ctx context.Context, id int64) ([]float32, error)

	// Delete removes the embeddings for the given ids. Unknown ids are
	// skipped.
	Delete(ctx context.Context, ids ...int64) error

	// Search returns up to k matches ranked best (smallest distance)
	// first.
	Search(ctx context.Context, query []float32, k int) ([]Match, error)

	// Flush forces buffered state to durable storage.
	Flush(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}
