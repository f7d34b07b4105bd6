// Package manager combines a scalar store and a vector store into one
// data manager that keeps both sides consistent: an entry's metadata and
// its embedding are inserted, soft-deleted, and compacted together.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/kalambet/semcache/model"
	"github.com/kalambet/semcache/scalar"
	"github.com/kalambet/semcache/vector"
)

// ErrNotFound aliases the scalar store sentinel so callers can test
// either with errors.Is.
var ErrNotFound = scalar.ErrNotFound

// ErrTimeout marks an operation that hit its context deadline. Per the
// atomicity rules, state is left as if the operation never started.
var ErrTimeout = errors.New("storage deadline exceeded")

// ErrEviction marks a failed eviction pass after a successful insert.
// The ids returned alongside it are valid and durable; only the bound
// maintenance failed.
var ErrEviction = errors.New("eviction pass failed")

// ConsistencyError reports that the scalar and vector stores disagree
// about the listed ids after an operation. It is surfaced, never
// repaired silently, because silent repair could mask data loss.
type ConsistencyError struct {
	Op  string
	IDs []int64
	Err error
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%s left scalar/vector stores inconsistent for ids %v: %v", e.Op, e.IDs, e.Err)
}

func (e *ConsistencyError) Unwrap() error { return e.Err }

// Candidate is one hydrated search result.
type Candidate struct {
	Entry    *model.CacheEntry
	Distance float32
}

// Options tunes a Manager. The zero value disables in-process eviction.
type Options struct {
	// MaxSize bounds the number of live entries; inserting past it
	// triggers a synchronous eviction pass. Zero disables the bound
	// (useful when the backend evicts natively).
	MaxSize int64
	// Policy selects eviction victims. Defaults to LRU.
	Policy Policy
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// lockStripes is the granularity of per-id mutual exclusion: operations
// on the same id serialize, operations on disjoint ids rarely contend.
const lockStripes = 64

// Manager is the single entry point for cache data management. All
// methods are safe for concurrent use without external locking.
type Manager struct {
	scalar scalar.Store
	vector vector.Store
	opts   Options
	logger *slog.Logger

	stripes [lockStripes]sync.Mutex
}

// New provisions both stores and returns a Manager over them.
func New(ctx context.Context, s scalar.Store, v vector.Store, opts Options) (*Manager, error) {
	if s == nil || v == nil {
		return nil, errors.New("manager requires both a scalar and a vector store")
	}
	if opts.Policy == "" {
		opts.Policy = LRU
	}
	if !opts.Policy.valid() {
		return nil, fmt.Errorf("unknown eviction policy %q", opts.Policy)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if err := s.Create(ctx); err != nil {
		return nil, wrapErr("provisioning scalar store", err)
	}
	if err := v.Create(ctx); err != nil {
		return nil, wrapErr("provisioning vector store", err)
	}

	return &Manager{scalar: s, vector: v, opts: opts, logger: opts.Logger}, nil
}

// lockIDs acquires the stripes covering ids in a fixed order and returns
// the matching unlock. Ordering prevents deadlock between concurrent
// multi-id operations.
func (m *Manager) lockIDs(ids ...int64) func() {
	seen := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		seen[int(uint64(id)%lockStripes)] = struct{}{}
	}
	stripes := make([]int, 0, len(seen))
	for s := range seen {
		stripes = append(stripes, s)
	}
	sort.Ints(stripes)

	for _, s := range stripes {
		m.stripes[s].Lock()
	}
	return func() {
		for i := len(stripes) - 1; i >= 0; i-- {
			m.stripes[stripes[i]].Unlock()
		}
	}
}

// Insert persists the entries in both stores and returns the assigned
// ids in input order. The scalar store assigns ids first but keeps the
// records hidden; they are published only after the vector write is
// durable, so no reader ever observes an id whose embedding is still in
// flight. If either the vector write or the publish fails, the hidden
// records are tombstoned for the next compaction and a single failure is
// returned. An id is never left visible in only one store.
//
// When a MaxSize bound is configured and the insert pushes the live
// count past it, an eviction pass runs synchronously before returning.
// A failed pass returns the valid ids together with an error wrapping
// ErrEviction: the entries themselves are durable.
func (m *Manager) Insert(ctx context.Context, entries []*model.CacheEntry) ([]int64, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	ids, err := m.scalar.BatchInsert(ctx, entries)
	if err != nil {
		return nil, wrapErr("inserting scalar records", err)
	}

	unlock := m.lockIDs(ids...)

	embeddings := make([][]float32, len(entries))
	for i, e := range entries {
		embeddings[i] = e.Embedding
	}

	if err := m.vector.Insert(ctx, ids, embeddings); err != nil {
		rollbackErr := m.scalar.MarkDeleted(ctx, ids...)
		unlock()
		if rollbackErr != nil {
			return nil, &ConsistencyError{Op: "insert rollback", IDs: ids, Err: rollbackErr}
		}
		return nil, wrapErr("inserting vector records", err)
	}

	if err := m.scalar.MarkLive(ctx, ids...); err != nil {
		rollbackErr := m.scalar.MarkDeleted(ctx, ids...)
		unlock()
		if rollbackErr != nil {
			return nil, &ConsistencyError{Op: "publish rollback", IDs: ids, Err: rollbackErr}
		}
		return nil, wrapErr("publishing entries", err)
	}
	unlock()

	if m.opts.MaxSize > 0 {
		if err := m.evict(ctx); err != nil {
			return ids, fmt.Errorf("%w: %w", ErrEviction, err)
		}
	}
	return ids, nil
}

// GetByID reads the scalar record (bumping its last-access stamp). An id
// unknown to the scalar store is not present, regardless of vector-store
// state.
func (m *Manager) GetByID(ctx context.Context, id int64) (*model.CacheEntry, error) {
	unlock := m.lockIDs(id)
	defer unlock()

	e, err := m.scalar.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, scalar.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, wrapErr("reading entry", err)
	}
	return e, nil
}

// Search finds up to k nearest neighbors, drops candidates whose
// distance exceeds threshold, and hydrates the survivors through the
// scalar store. Candidates that turn out deleted or missing are skipped,
// not failed: a stale index entry from an in-flight eviction is expected
// cross-store lag, not an error.
func (m *Manager) Search(ctx context.Context, query []float32, k int, threshold float32) ([]Candidate, error) {
	matches, err := m.vector.Search(ctx, query, k)
	if err != nil {
		return nil, wrapErr("searching vectors", err)
	}

	var out []Candidate
	for _, match := range matches {
		if match.Distance > threshold {
			continue
		}
		e, err := m.GetByID(ctx, match.ID)
		if errors.Is(err, ErrNotFound) {
			m.logger.Debug("skipping stale search candidate", "id", match.ID)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, Candidate{Entry: e, Distance: match.Distance})
	}
	return out, nil
}

// MarkDeleted tombstones the given entries. The vector records stay
// behind until compaction so in-flight readers see a clean not-found
// rather than a half-removed record.
func (m *Manager) MarkDeleted(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	unlock := m.lockIDs(ids...)
	defer unlock()

	if err := m.scalar.MarkDeleted(ctx, ids...); err != nil {
		return wrapErr("marking deleted", err)
	}
	return nil
}

// ClearDeletedData physically removes tombstoned entries from both
// stores. Vector records go first: a failure there keeps the tombstones
// (still invisible to readers) so the compaction can be retried. The
// scalar sweep is scoped to the listed ids, so an entry tombstoned while
// the pass runs keeps its tombstone for the next one instead of losing
// its scalar record ahead of its vector record.
func (m *Manager) ClearDeletedData(ctx context.Context) error {
	ids, err := m.scalar.DeletedIDs(ctx)
	if err != nil {
		return wrapErr("listing tombstones", err)
	}
	if len(ids) == 0 {
		return nil
	}

	unlock := m.lockIDs(ids...)
	defer unlock()

	if err := m.vector.Delete(ctx, ids...); err != nil {
		return wrapErr("removing vector records", err)
	}
	if _, err := m.scalar.ClearDeleted(ctx, ids...); err != nil {
		return &ConsistencyError{Op: "compaction", IDs: ids, Err: err}
	}
	return nil
}

// Count reports the number of entries, including tombstoned ones when
// includeDeleted is set.
func (m *Manager) Count(ctx context.Context, includeDeleted bool) (int64, error) {
	n, err := m.scalar.Count(ctx, includeDeleted)
	if err != nil {
		return 0, wrapErr("counting entries", err)
	}
	return n, nil
}

// ListSessions returns (entry, session) links filtered by either or both
// criteria; zero values match all.
func (m *Manager) ListSessions(ctx context.Context, sessionID string, entryID int64) ([]model.SessionLink, error) {
	links, err := m.scalar.ListSessions(ctx, sessionID, entryID)
	if err != nil {
		return nil, wrapErr("listing sessions", err)
	}
	return links, nil
}

// DeleteSession removes session membership for the given entries.
func (m *Manager) DeleteSession(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := m.scalar.DeleteSession(ctx, ids...); err != nil {
		return wrapErr("deleting session links", err)
	}
	return nil
}

// Export returns every live entry in creation order without bumping
// access stamps, so writing a checkpoint does not reorder LRU victims.
func (m *Manager) Export(ctx context.Context) ([]*model.CacheEntry, error) {
	entries, err := m.scalar.All(ctx)
	if err != nil {
		return nil, wrapErr("exporting entries", err)
	}
	return entries, nil
}

// Flush forces buffered state in both stores to durable storage.
func (m *Manager) Flush(ctx context.Context) error {
	if err := m.scalar.Flush(ctx); err != nil {
		return wrapErr("flushing scalar store", err)
	}
	if err := m.vector.Flush(ctx); err != nil {
		return wrapErr("flushing vector store", err)
	}
	return nil
}

// Close releases both stores.
func (m *Manager) Close() error {
	return errors.Join(m.scalar.Close(), m.vector.Close())
}

// wrapErr adds the operation and maps deadline errors to ErrTimeout.
func wrapErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
