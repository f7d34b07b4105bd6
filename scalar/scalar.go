// Package scalar persists cache entry metadata: question text and deps,
// answers, session membership, timestamps, and soft-delete tombstones.
// Two backends are provided: an embedded file-backed SQLite store and a
// Redis store with native TTL/eviction support.
package scalar

import (
	"context"
	"errors"
	"time"

	"github.com/kalambet/semcache/model"
)

// ErrNotFound is returned when a requested entry does not exist.
var ErrNotFound = errors.New("entry not found")

// ErrInvalidConfig is returned when a backend is constructed with a
// missing or unrecognized option.
var ErrInvalidConfig = errors.New("invalid scalar store config")

// Store is the scalar storage contract shared by all backends.
//
// IDs are assigned by BatchInsert and are strictly increasing for the
// lifetime of the store, even across delete/compact cycles. All methods
// are safe for concurrent use.
type Store interface {
	// Create idempotently provisions backend-side structures (tables,
	// keyspaces, indices). Safe to call on an already-provisioned store.
	Create(ctx context.Context) error

	// BatchInsert persists the entries hidden and returns their assigned
	// ids in input order. CreateOn and LastAccess are set to the same
	// "now" for every entry in the batch. Hidden entries are invisible to
	// reads, listings, and compaction until MarkLive publishes them; the
	// two phases let a caller finish a companion write (the embedding)
	// before any id becomes observable. The batch is all-or-nothing: no
	// id from a failed batch is ever visible.
	BatchInsert(ctx context.Context, entries []*model.CacheEntry) ([]int64, error)

	// MarkLive publishes entries previously persisted by BatchInsert.
	// Ids that are not hidden are skipped.
	MarkLive(ctx context.Context, ids ...int64) error

	// GetByID returns the entry and bumps its LastAccess as a side effect
	// of the successful read. Returns ErrNotFound for unknown ids.
	GetByID(ctx context.Context, id int64) (*model.CacheEntry, error)

	// MarkDeleted tombstones the given ids. Unknown ids are skipped.
	MarkDeleted(ctx context.Context, ids ...int64) error

	// DeletedIDs returns the ids of all tombstoned entries.
	DeletedIDs(ctx context.Context) ([]int64, error)

	// ClearDeleted physically removes the given ids, provided they are
	// tombstoned, and returns how many were removed. Ids that are live,
	// hidden, or unknown are left untouched, so a caller compacting a
	// previously listed set cannot sweep away tombstones it has not seen.
	// Irreversible.
	ClearDeleted(ctx context.Context, ids ...int64) (int64, error)

	// Count returns the number of entries. With includeDeleted it counts
	// tombstoned entries too; otherwise only live ones.
	Count(ctx context.Context, includeDeleted bool) (int64, error)

	// ListSessions returns (entry, session) links filtered by either or
	// both criteria. An empty sessionID or a zero entryID means match-all
	// for that criterion.
	ListSessions(ctx context.Context, sessionID string, entryID int64) ([]model.SessionLink, error)

	// DeleteSession removes session membership for the given entries. The
	// entries themselves are untouched.
	DeleteSession(ctx context.Context, ids ...int64) error

	// OldestAccessed returns up to n live entry ids ordered by least
	// recently accessed first, ties broken by smallest CreateOn. Used by
	// LRU eviction.
	OldestAccessed(ctx context.Context, n int) ([]int64, error)

	// OldestCreated returns up to n live entry ids ordered by earliest
	// created first. Used by FIFO eviction.
	OldestCreated(ctx context.Context, n int) ([]int64, error)

	// All returns every live entry in creation order without touching
	// access stamps. Used by export, which must not perturb LRU order.
	All(ctx context.Context) ([]*model.CacheEntry, error)

	// Flush forces buffered state to durable storage. A no-op for
	// backends without buffering.
	Flush(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}

// EvictionPolicy names a backend-native eviction policy. The scalar
// layer passes it through to backends that support one (Redis); it is
// not interpreted in-process.
type EvictionPolicy string

const (
	EvictionNone   EvictionPolicy = "none"
	EvictionLRU    EvictionPolicy = "lru"
	EvictionFIFO   EvictionPolicy = "fifo"
	EvictionRandom EvictionPolicy = "random"
)

// Config carries the recognized backend options. Options the selected
// backend cannot honor are rejected at construction, not ignored.
type Config struct {
	// URL is the backend address (redis://... for Redis). Unused by the
	// SQLite backend.
	URL string

	// Namespace prefixes every physical key so multiple logical caches
	// can share one physical backend.
	Namespace string

	// MaxMemoryBytes, EvictionPolicy, and SampleSize configure
	// backend-native eviction where supported.
	MaxMemoryBytes int64
	EvictionPolicy EvictionPolicy
	SampleSize     int

	// TTL, when positive, is applied per primary record key by backends
	// with native expiry.
	TTL time.Duration

	// ClusterMode connects to a Redis cluster instead of a single node.
	ClusterMode bool
}

func (p EvictionPolicy) valid() bool {
	switch p {
	case "", EvictionNone, EvictionLRU, EvictionFIFO, EvictionRandom:
		return true
	}
	return false
}
