package scalar

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kalambet/semcache/model"
)

// Compile-time check that RedisStore implements Store.
var _ Store = (*RedisStore)(nil)

// RedisStore is the Redis-backed scalar store. Unlike the SQLite
// backend it supports native expiry and memory-bound eviction: TTL is
// applied per entry key and maxmemory/policy/samples are configured on
// the server at connect time.
//
// Key layout under the configured namespace:
//
//	<ns>:entry-id            id allocator (INCRBY)
//	<ns>:entry:<id>          entry JSON, TTL-bearing
//	<ns>:deleted             set of tombstoned ids
//	<ns>:session:<sid>       set of member entry ids
//	<ns>:entry-sessions:<id> reverse index: sessions of one entry
type RedisStore struct {
	client redis.UniversalClient
	ns     string
	ttl    time.Duration
}

// DefaultNamespace prefixes keys when Config.Namespace is empty.
const DefaultNamespace = "semcache"

// OpenRedis connects to the Redis server (or cluster) named by cfg.URL
// and applies the native eviction configuration.
func OpenRedis(ctx context.Context, cfg Config) (*RedisStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: redis backend requires a url", ErrInvalidConfig)
	}
	if !cfg.EvictionPolicy.valid() {
		return nil, fmt.Errorf("%w: unknown eviction policy %q", ErrInvalidConfig, cfg.EvictionPolicy)
	}
	if cfg.EvictionPolicy == EvictionFIFO {
		return nil, fmt.Errorf("%w: redis has no native fifo policy; use the in-process eviction manager", ErrInvalidConfig)
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing redis url: %v", ErrInvalidConfig, err)
	}

	var client redis.UniversalClient
	if cfg.ClusterMode {
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{opts.Addr},
			Username: opts.Username,
			Password: opts.Password,
		})
	} else {
		client = redis.NewClient(opts)
	}

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	s := &RedisStore{client: client, ns: ns, ttl: cfg.TTL}

	if err := s.applyEvictionConfig(ctx, cfg); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

// applyEvictionConfig passes the memory-bound eviction options through
// to the server. The scalar layer does not interpret them further.
func (s *RedisStore) applyEvictionConfig(ctx context.Context, cfg Config) error {
	if cfg.MaxMemoryBytes > 0 {
		if err := s.client.ConfigSet(ctx, "maxmemory", strconv.FormatInt(cfg.MaxMemoryBytes, 10)).Err(); err != nil {
			return fmt.Errorf("setting maxmemory: %w", err)
		}
	}
	if policy := nativePolicy(cfg.EvictionPolicy); policy != "" {
		if err := s.client.ConfigSet(ctx, "maxmemory-policy", policy).Err(); err != nil {
			return fmt.Errorf("setting maxmemory-policy: %w", err)
		}
	}
	if cfg.SampleSize > 0 {
		if err := s.client.ConfigSet(ctx, "maxmemory-samples", strconv.Itoa(cfg.SampleSize)).Err(); err != nil {
			return fmt.Errorf("setting maxmemory-samples: %w", err)
		}
	}
	return nil
}

func nativePolicy(p EvictionPolicy) string {
	switch p {
	case EvictionLRU:
		return "allkeys-lru"
	case EvictionRandom:
		return "allkeys-random"
	case EvictionNone:
		return "noeviction"
	}
	return ""
}

func (s *RedisStore) idKey() string              { return s.ns + ":entry-id" }
func (s *RedisStore) entryKey(id int64) string   { return s.ns + ":entry:" + strconv.FormatInt(id, 10) }
func (s *RedisStore) deletedKey() string         { return s.ns + ":deleted" }
func (s *RedisStore) sessionKey(sid string) string { return s.ns + ":session:" + sid }
func (s *RedisStore) entrySessionsKey(id int64) string {
	return s.ns + ":entry-sessions:" + strconv.FormatInt(id, 10)
}

// Create is a no-op: Redis needs no schema. Kept for contract symmetry.
func (s *RedisStore) Create(ctx context.Context) error {
	return nil
}

// An entry key with Deleted set belongs to one of two states: ids in the
// <ns>:deleted set are tombstoned, the rest are hidden (inserted but not
// yet published by MarkLive).

// BatchInsert allocates a contiguous id block and writes every entry and
// session link hidden in one MULTI/EXEC pipeline. MarkLive publishes the
// whole batch together.
func (s *RedisStore) BatchInsert(ctx context.Context, entries []*model.CacheEntry) ([]int64, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	end, err := s.client.IncrBy(ctx, s.idKey(), int64(len(entries))).Result()
	if err != nil {
		return nil, fmt.Errorf("allocating ids: %w", err)
	}
	start := end - int64(len(entries)) + 1

	now := time.Now().UTC()
	ids := make([]int64, len(entries))

	pipe := s.client.TxPipeline()
	for i, e := range entries {
		id := start + int64(i)
		ids[i] = id

		stored := *e
		stored.ID = id
		stored.CreateOn = now
		stored.LastAccess = now
		stored.Deleted = true
		// Session membership lives in the index sets; don't duplicate it
		// inside the JSON where it would go stale.
		stored.SessionIDs = nil

		payload, err := json.Marshal(&stored)
		if err != nil {
			return nil, fmt.Errorf("encoding entry: %w", err)
		}
		pipe.Set(ctx, s.entryKey(id), payload, s.ttl)

		for _, sid := range e.SessionIDs {
			pipe.SAdd(ctx, s.sessionKey(sid), id)
			pipe.SAdd(ctx, s.entrySessionsKey(id), sid)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("writing batch: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) loadEntry(ctx context.Context, id int64) (*model.CacheEntry, error) {
	payload, err := s.client.Get(ctx, s.entryKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading entry %d: %w", id, err)
	}
	var e model.CacheEntry
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("decoding entry %d: %w", id, err)
	}
	return &e, nil
}

func (s *RedisStore) storeEntry(ctx context.Context, e *model.CacheEntry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding entry %d: %w", e.ID, err)
	}
	// KeepTTL preserves any expiry already running on the key.
	if err := s.client.Set(ctx, s.entryKey(e.ID), payload, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("writing entry %d: %w", e.ID, err)
	}
	return nil
}

// GetByID returns the live entry and bumps its LastAccess, preserving
// the key's TTL. Tombstoned and expired ids surface as ErrNotFound.
func (s *RedisStore) GetByID(ctx context.Context, id int64) (*model.CacheEntry, error) {
	e, err := s.loadEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Deleted {
		return nil, ErrNotFound
	}

	e.LastAccess = time.Now().UTC()
	if err := s.storeEntry(ctx, e); err != nil {
		return nil, err
	}

	sids, err := s.client.SMembers(ctx, s.entrySessionsKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading session membership for %d: %w", id, err)
	}
	sort.Strings(sids)
	e.SessionIDs = sids
	return e, nil
}

// MarkLive publishes hidden entries. Tombstoned and unknown ids are
// skipped.
func (s *RedisStore) MarkLive(ctx context.Context, ids ...int64) error {
	for _, id := range ids {
		tombstoned, err := s.client.SIsMember(ctx, s.deletedKey(), id).Result()
		if err != nil {
			return fmt.Errorf("checking tombstone %d: %w", id, err)
		}
		if tombstoned {
			continue
		}
		e, err := s.loadEntry(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if !e.Deleted {
			continue
		}
		e.Deleted = false
		if err := s.storeEntry(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// MarkDeleted tombstones the given ids, hidden ones included. Ids with
// no entry are skipped.
func (s *RedisStore) MarkDeleted(ctx context.Context, ids ...int64) error {
	for _, id := range ids {
		e, err := s.loadEntry(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if !e.Deleted {
			e.Deleted = true
			if err := s.storeEntry(ctx, e); err != nil {
				return err
			}
		}
		if err := s.client.SAdd(ctx, s.deletedKey(), id).Err(); err != nil {
			return fmt.Errorf("recording tombstone %d: %w", id, err)
		}
	}
	return nil
}

// DeletedIDs returns the ids of tombstoned entries that still exist
// (native TTL may have expired some since they were marked).
func (s *RedisStore) DeletedIDs(ctx context.Context) ([]int64, error) {
	members, err := s.client.SMembers(ctx, s.deletedKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("reading tombstone set: %w", err)
	}

	var ids []int64
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing tombstone id %q: %w", m, err)
		}
		exists, err := s.client.Exists(ctx, s.entryKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("checking tombstone %d: %w", id, err)
		}
		if exists == 0 {
			// Expired underneath the tombstone; drop the stale marker.
			s.client.SRem(ctx, s.deletedKey(), id)
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ClearDeleted removes the given ids, provided they are tombstoned,
// along with their session links. Ids in any other state are left
// untouched.
func (s *RedisStore) ClearDeleted(ctx context.Context, ids ...int64) (int64, error) {
	var victims []int64
	for _, id := range ids {
		tombstoned, err := s.client.SIsMember(ctx, s.deletedKey(), id).Result()
		if err != nil {
			return 0, fmt.Errorf("checking tombstone %d: %w", id, err)
		}
		if tombstoned {
			victims = append(victims, id)
		}
	}
	if len(victims) == 0 {
		return 0, nil
	}

	if err := s.DeleteSession(ctx, victims...); err != nil {
		return 0, err
	}

	pipe := s.client.TxPipeline()
	for _, id := range victims {
		pipe.Del(ctx, s.entryKey(id))
		pipe.SRem(ctx, s.deletedKey(), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("removing tombstoned entries: %w", err)
	}
	return int64(len(victims)), nil
}

// entryIDs scans the keyspace for entry keys, so expired keys are
// naturally excluded.
func (s *RedisStore) entryIDs(ctx context.Context) ([]int64, error) {
	var (
		ids    []int64
		cursor uint64
		prefix = s.ns + ":entry:"
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", 512).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning entries: %w", err)
		}
		for _, key := range keys {
			id, err := strconv.ParseInt(key[len(prefix):], 10, 64)
			if err != nil {
				continue // not an entry key
			}
			ids = append(ids, id)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Count returns the number of published entries, including tombstoned
// ones when includeDeleted is set. Hidden entries are never counted.
func (s *RedisStore) Count(ctx context.Context, includeDeleted bool) (int64, error) {
	all, err := s.entryIDs(ctx)
	if err != nil {
		return 0, err
	}
	var live int64
	for _, id := range all {
		e, err := s.loadEntry(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return 0, err
		}
		if !e.Deleted {
			live++
		}
	}
	if !includeDeleted {
		return live, nil
	}
	deleted, err := s.DeletedIDs(ctx)
	if err != nil {
		return 0, err
	}
	return live + int64(len(deleted)), nil
}

// ListSessions returns (entry, session) links for live entries, filtered
// by sessionID and/or entryID when given.
func (s *RedisStore) ListSessions(ctx context.Context, sessionID string, entryID int64) ([]model.SessionLink, error) {
	var links []model.SessionLink

	appendLinks := func(sid string, ids []int64) error {
		for _, id := range ids {
			if entryID != 0 && id != entryID {
				continue
			}
			e, err := s.loadEntry(ctx, id)
			if err == ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			if e.Deleted {
				continue
			}
			links = append(links, model.SessionLink{
				EntryID:   id,
				SessionID: sid,
				Question:  e.Question.Content,
			})
		}
		return nil
	}

	if sessionID != "" {
		ids, err := s.sessionMembers(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if err := appendLinks(sessionID, ids); err != nil {
			return nil, err
		}
	} else {
		sids, err := s.sessionIDs(ctx)
		if err != nil {
			return nil, err
		}
		for _, sid := range sids {
			ids, err := s.sessionMembers(ctx, sid)
			if err != nil {
				return nil, err
			}
			if err := appendLinks(sid, ids); err != nil {
				return nil, err
			}
		}
	}

	sort.Slice(links, func(i, j int) bool {
		if links[i].EntryID != links[j].EntryID {
			return links[i].EntryID < links[j].EntryID
		}
		return links[i].SessionID < links[j].SessionID
	})
	return links, nil
}

func (s *RedisStore) sessionMembers(ctx context.Context, sid string) ([]int64, error) {
	members, err := s.client.SMembers(ctx, s.sessionKey(sid)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading session %q: %w", sid, err)
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing member id %q: %w", m, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *RedisStore) sessionIDs(ctx context.Context) ([]string, error) {
	var (
		sids   []string
		cursor uint64
		prefix = s.ns + ":session:"
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", 512).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning sessions: %w", err)
		}
		for _, key := range keys {
			sids = append(sids, key[len(prefix):])
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(sids)
	return sids, nil
}

// DeleteSession removes session membership for the given entries.
func (s *RedisStore) DeleteSession(ctx context.Context, ids ...int64) error {
	for _, id := range ids {
		sids, err := s.client.SMembers(ctx, s.entrySessionsKey(id)).Result()
		if err != nil {
			return fmt.Errorf("reading session membership for %d: %w", id, err)
		}
		pipe := s.client.TxPipeline()
		for _, sid := range sids {
			pipe.SRem(ctx, s.sessionKey(sid), id)
		}
		pipe.Del(ctx, s.entrySessionsKey(id))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("removing session links for %d: %w", id, err)
		}
	}
	return nil
}

// accessOrder loads every live entry and sorts by the requested
// timestamp. Linear in store size, like the keyspace scans above; the
// tombstone window between eviction passes keeps n small.
func (s *RedisStore) accessOrder(ctx context.Context, n int, byCreate bool) ([]int64, error) {
	all, err := s.entryIDs(ctx)
	if err != nil {
		return nil, err
	}

	type stamped struct {
		id        int64
		primary   time.Time
		secondary time.Time
	}
	var live []stamped
	for _, id := range all {
		e, err := s.loadEntry(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if e.Deleted {
			continue
		}
		if byCreate {
			live = append(live, stamped{id: id, primary: e.CreateOn, secondary: e.CreateOn})
		} else {
			live = append(live, stamped{id: id, primary: e.LastAccess, secondary: e.CreateOn})
		}
	}

	sort.Slice(live, func(i, j int) bool {
		if !live[i].primary.Equal(live[j].primary) {
			return live[i].primary.Before(live[j].primary)
		}
		if !live[i].secondary.Equal(live[j].secondary) {
			return live[i].secondary.Before(live[j].secondary)
		}
		return live[i].id < live[j].id
	})

	if n > len(live) {
		n = len(live)
	}
	ids := make([]int64, n)
	for i := 0; i < n; i++ {
		ids[i] = live[i].id
	}
	return ids, nil
}

// OldestAccessed returns up to n live ids, least recently accessed first.
func (s *RedisStore) OldestAccessed(ctx context.Context, n int) ([]int64, error) {
	return s.accessOrder(ctx, n, false)
}

// OldestCreated returns up to n live ids, earliest created first.
func (s *RedisStore) OldestCreated(ctx context.Context, n int) ([]int64, error) {
	return s.accessOrder(ctx, n, true)
}

// All returns every live entry in creation order. Access stamps are
// left untouched.
func (s *RedisStore) All(ctx context.Context) ([]*model.CacheEntry, error) {
	ids, err := s.entryIDs(ctx)
	if err != nil {
		return nil, err
	}

	var entries []*model.CacheEntry
	for _, id := range ids {
		e, err := s.loadEntry(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if e.Deleted {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreateOn.Equal(entries[j].CreateOn) {
			return entries[i].CreateOn.Before(entries[j].CreateOn)
		}
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

// Flush is a no-op: Redis persists according to its own policy.
func (s *RedisStore) Flush(ctx context.Context) error {
	return nil
}

// Close releases the client connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
