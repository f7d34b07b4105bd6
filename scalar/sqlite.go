package scalar

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kalambet/semcache/internal/vec32"
	"github.com/kalambet/semcache/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is the embedded, file-backed scalar backend. It has no
// native expiry or eviction; capacity bounds are enforced in-process by
// the manager's eviction pass.
type SQLiteStore struct {
	db *sql.DB
}

// timeLayout keeps sub-second precision so LastAccess comparisons are
// meaningful across fast successive reads.
const timeLayout = time.RFC3339Nano

// OpenSQLite opens (or creates) the cache database in dataDir and runs
// pending migrations. Pass ":memory:" as dataDir for an in-memory
// database (used by tests).
//
// The SQLite backend has no native eviction, so cfg options that only a
// TTL/eviction-capable backend can honor are rejected rather than
// silently ignored.
func OpenSQLite(dataDir string, cfg Config) (*SQLiteStore, error) {
	if err := validateSQLiteConfig(cfg); err != nil {
		return nil, err
	}

	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "semcache.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func validateSQLiteConfig(cfg Config) error {
	if cfg.TTL > 0 {
		return fmt.Errorf("%w: sqlite backend has no native TTL", ErrInvalidConfig)
	}
	if cfg.MaxMemoryBytes > 0 || cfg.SampleSize > 0 {
		return fmt.Errorf("%w: sqlite backend has no native memory-bound eviction", ErrInvalidConfig)
	}
	if cfg.EvictionPolicy != "" && cfg.EvictionPolicy != EvictionNone {
		return fmt.Errorf("%w: sqlite backend has no native eviction policy %q", ErrInvalidConfig, cfg.EvictionPolicy)
	}
	if cfg.ClusterMode {
		return fmt.Errorf("%w: sqlite backend has no cluster mode", ErrInvalidConfig)
	}
	return nil
}

// migrate reads embedded SQL migration files and applies any that haven't run yet.
func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

// parseMigrationVersion extracts the leading number from names like "001_init.sql".
func parseMigrationVersion(name string) (int, error) {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 {
		return 0, fmt.Errorf("migration %q has no numeric prefix", name)
	}
	version, err := strconv.Atoi(name[:idx])
	if err != nil {
		return 0, fmt.Errorf("migration %q has no numeric prefix: %w", name, err)
	}
	return version, nil
}

// Create is a no-op: the schema is provisioned by migrations at open time.
// Kept so all backends share the same provisioning contract.
func (s *SQLiteStore) Create(ctx context.Context) error {
	return nil
}

// The deleted column holds one of three states: 0 live, 1 tombstoned,
// 2 hidden (inserted but not yet published by MarkLive).

// BatchInsert persists the entries hidden in one transaction and returns
// their assigned ids in input order.
func (s *SQLiteStore) BatchInsert(ctx context.Context, entries []*model.CacheEntry) ([]int64, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning insert transaction: %w", err)
	}

	entryStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cache_entries (question, deps, answers, embedding, create_on, last_access, deleted)
		VALUES (?, ?, ?, ?, ?, ?, 2)`)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("preparing entry insert: %w", err)
	}
	defer entryStmt.Close()

	sessionStmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO cache_sessions (entry_id, session_id, question) VALUES (?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("preparing session insert: %w", err)
	}
	defer sessionStmt.Close()

	now := time.Now().UTC().Format(timeLayout)
	ids := make([]int64, 0, len(entries))

	for _, e := range entries {
		deps, err := json.Marshal(e.Question.Deps)
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("encoding deps: %w", err)
		}
		answers, err := json.Marshal(e.Answers)
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("encoding answers: %w", err)
		}

		res, err := entryStmt.ExecContext(ctx,
			e.Question.Content, string(deps), string(answers),
			vec32.Encode(e.Embedding), now, now)
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("inserting entry: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("reading assigned id: %w", err)
		}

		for _, sid := range e.SessionIDs {
			if _, err := sessionStmt.ExecContext(ctx, id, sid, e.Question.Content); err != nil {
				tx.Rollback()
				return nil, fmt.Errorf("inserting session link: %w", err)
			}
		}

		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing insert: %w", err)
	}
	return ids, nil
}

// GetByID returns the live entry with the given id and bumps its
// LastAccess. Tombstoned and unknown ids both surface as ErrNotFound.
func (s *SQLiteStore) GetByID(ctx context.Context, id int64) (*model.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, question, deps, answers, embedding, create_on, last_access
		FROM cache_entries WHERE id = ? AND deleted = 0`, id)

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		"UPDATE cache_entries SET last_access = ? WHERE id = ?",
		now.Format(timeLayout), id); err != nil {
		return nil, fmt.Errorf("bumping last_access: %w", err)
	}
	e.LastAccess = now

	sessions, err := s.ListSessions(ctx, "", id)
	if err != nil {
		return nil, err
	}
	for _, link := range sessions {
		e.SessionIDs = append(e.SessionIDs, link.SessionID)
	}

	return e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*model.CacheEntry, error) {
	var (
		e          model.CacheEntry
		deps       string
		answers    string
		embedding  []byte
		createOn   string
		lastAccess string
	)
	if err := row.Scan(&e.ID, &e.Question.Content, &deps, &answers, &embedding, &createOn, &lastAccess); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(deps), &e.Question.Deps); err != nil {
		return nil, fmt.Errorf("decoding deps: %w", err)
	}
	if err := json.Unmarshal([]byte(answers), &e.Answers); err != nil {
		return nil, fmt.Errorf("decoding answers: %w", err)
	}
	if len(embedding) > 0 {
		vec, err := vec32.Decode(embedding)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding: %w", err)
		}
		e.Embedding = vec
	}

	var err error
	if e.CreateOn, err = time.Parse(timeLayout, createOn); err != nil {
		return nil, fmt.Errorf("parsing create_on: %w", err)
	}
	if e.LastAccess, err = time.Parse(timeLayout, lastAccess); err != nil {
		return nil, fmt.Errorf("parsing last_access: %w", err)
	}

	return &e, nil
}

// MarkDeleted tombstones the given ids. Unknown ids are skipped.
func (s *SQLiteStore) MarkDeleted(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := "UPDATE cache_entries SET deleted = 1 WHERE id IN (?" +
		strings.Repeat(",?", len(ids)-1) + ")"
	if _, err := s.db.ExecContext(ctx, query, idArgs(ids)...); err != nil {
		return fmt.Errorf("marking deleted: %w", err)
	}
	return nil
}

// MarkLive publishes hidden entries. Ids in any other state are skipped.
func (s *SQLiteStore) MarkLive(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := "UPDATE cache_entries SET deleted = 0 WHERE deleted = 2 AND id IN (?" +
		strings.Repeat(",?", len(ids)-1) + ")"
	if _, err := s.db.ExecContext(ctx, query, idArgs(ids)...); err != nil {
		return fmt.Errorf("publishing entries: %w", err)
	}
	return nil
}

// DeletedIDs returns the ids of all tombstoned entries.
func (s *SQLiteStore) DeletedIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM cache_entries WHERE deleted = 1 ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("querying deleted ids: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ClearDeleted physically removes the given ids, provided they are
// tombstoned, along with their session links. Ids in any other state are
// left untouched.
func (s *SQLiteStore) ClearDeleted(ctx context.Context, ids ...int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning compaction: %w", err)
	}
	in := "(?" + strings.Repeat(",?", len(ids)-1) + ")"
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM cache_sessions WHERE entry_id IN (SELECT id FROM cache_entries WHERE deleted = 1 AND id IN "+in+")",
		idArgs(ids)...); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("removing tombstoned session links: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE deleted = 1 AND id IN "+in, idArgs(ids)...)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("removing tombstoned entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing compaction: %w", err)
	}
	return n, nil
}

// Count returns the number of published entries, including tombstoned
// ones when includeDeleted is set. Hidden entries are never counted.
func (s *SQLiteStore) Count(ctx context.Context, includeDeleted bool) (int64, error) {
	query := "SELECT COUNT(*) FROM cache_entries WHERE deleted = 0"
	if includeDeleted {
		query = "SELECT COUNT(*) FROM cache_entries WHERE deleted IN (0, 1)"
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting entries: %w", err)
	}
	return n, nil
}

// ListSessions returns (entry, session) links for live entries, filtered
// by sessionID and/or entryID when given.
func (s *SQLiteStore) ListSessions(ctx context.Context, sessionID string, entryID int64) ([]model.SessionLink, error) {
	query := `SELECT cs.entry_id, cs.session_id, cs.question
		FROM cache_sessions cs
		JOIN cache_entries ce ON ce.id = cs.entry_id
		WHERE ce.deleted = 0`
	var args []any
	if sessionID != "" {
		query += " AND cs.session_id = ?"
		args = append(args, sessionID)
	}
	if entryID != 0 {
		query += " AND cs.entry_id = ?"
		args = append(args, entryID)
	}
	query += " ORDER BY cs.entry_id ASC, cs.session_id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var links []model.SessionLink
	for rows.Next() {
		var l model.SessionLink
		if err := rows.Scan(&l.EntryID, &l.SessionID, &l.Question); err != nil {
			return nil, fmt.Errorf("scanning session link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// DeleteSession removes session membership for the given entries.
func (s *SQLiteStore) DeleteSession(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := "DELETE FROM cache_sessions WHERE entry_id IN (?" +
		strings.Repeat(",?", len(ids)-1) + ")"
	if _, err := s.db.ExecContext(ctx, query, idArgs(ids)...); err != nil {
		return fmt.Errorf("deleting session links: %w", err)
	}
	return nil
}

// OldestAccessed returns up to n live ids, least recently accessed first.
func (s *SQLiteStore) OldestAccessed(ctx context.Context, n int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM cache_entries WHERE deleted = 0
		ORDER BY last_access ASC, create_on ASC, id ASC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("querying oldest accessed: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// OldestCreated returns up to n live ids, earliest created first.
func (s *SQLiteStore) OldestCreated(ctx context.Context, n int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM cache_entries WHERE deleted = 0
		ORDER BY create_on ASC, id ASC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("querying oldest created: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// All returns every live entry in creation order. Access stamps are
// left untouched.
func (s *SQLiteStore) All(ctx context.Context) ([]*model.CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, question, deps, answers, embedding, create_on, last_access
		FROM cache_entries WHERE deleted = 0
		ORDER BY create_on ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying all entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.CacheEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Flush checkpoints the WAL so all committed writes reach the main
// database file.
func (s *SQLiteStore) Flush(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpointing wal: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so the SQLite vector store can share
// one database file with the scalar records.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func idArgs(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
