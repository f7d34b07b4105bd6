package scalar

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kalambet/semcache/model"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:", Config{})
	if err != nil {
		t.Fatalf("OpenSQLite(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEntry(question string, sessions ...string) *model.CacheEntry {
	return &model.CacheEntry{
		Question:   model.NewQuestion(question),
		Answers:    []model.Answer{{Text: "answer to " + question}},
		Embedding:  []float32{0.1, 0.2, 0.3},
		SessionIDs: sessions,
	}
}

func insertN(t *testing.T, s *SQLiteStore, n int) []int64 {
	t.Helper()
	entries := make([]*model.CacheEntry, n)
	for i := range entries {
		entries[i] = testEntry(fmt.Sprintf("question %d", i))
	}
	ids, err := s.BatchInsert(context.Background(), entries)
	if err != nil {
		t.Fatalf("BatchInsert: %v", err)
	}
	if len(ids) != n {
		t.Fatalf("BatchInsert returned %d ids, want %d", len(ids), n)
	}
	if err := s.MarkLive(context.Background(), ids...); err != nil {
		t.Fatalf("MarkLive: %v", err)
	}
	return ids
}

func TestSQLiteConfigRejectsNativeEviction(t *testing.T) {
	cases := []Config{
		{TTL: time.Minute},
		{MaxMemoryBytes: 1 << 20},
		{SampleSize: 5},
		{EvictionPolicy: EvictionLRU},
		{ClusterMode: true},
	}
	for i, cfg := range cases {
		if _, err := OpenSQLite(":memory:", cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("case %d: got %v, want ErrInvalidConfig", i, err)
		}
	}
}

func TestBatchInsertAssignsOrderedIDs(t *testing.T) {
	s := openTestStore(t)
	ids := insertN(t, s, 5)

	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids not strictly increasing: %v", ids)
		}
	}

	for i, id := range ids {
		e, err := s.GetByID(context.Background(), id)
		if err != nil {
			t.Fatalf("GetByID(%d): %v", id, err)
		}
		want := fmt.Sprintf("question %d", i)
		if e.Question.Content != want {
			t.Errorf("entry %d: question = %q, want %q", id, e.Question.Content, want)
		}
	}
}

func TestBatchInsertEmpty(t *testing.T) {
	s := openTestStore(t)
	ids, err := s.BatchInsert(context.Background(), nil)
	if err != nil {
		t.Fatalf("BatchInsert(nil): %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("got %d ids for empty batch", len(ids))
	}
}

func TestGetByIDRoundTrip(t *testing.T) {
	s := openTestStore(t)

	in := testEntry("what is a semantic cache", "sess-1")
	in.Question.Deps = []model.Dependency{{Name: "image", Data: "u0", Type: model.DepImage}}
	in.Answers = append(in.Answers, model.Answer{Text: "a second answer"})

	ids, err := s.BatchInsert(context.Background(), []*model.CacheEntry{in})
	if err != nil {
		t.Fatalf("BatchInsert: %v", err)
	}
	if err := s.MarkLive(context.Background(), ids...); err != nil {
		t.Fatalf("MarkLive: %v", err)
	}

	e, err := s.GetByID(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if e.Question.Content != in.Question.Content {
		t.Errorf("question = %q, want %q", e.Question.Content, in.Question.Content)
	}
	if len(e.Question.Deps) != 1 || e.Question.Deps[0].Type != model.DepImage {
		t.Errorf("deps not preserved: %+v", e.Question.Deps)
	}
	if len(e.Answers) != 2 {
		t.Fatalf("got %d answers, want 2", len(e.Answers))
	}
	if len(e.Embedding) != 3 {
		t.Errorf("embedding not preserved: %v", e.Embedding)
	}
	if len(e.SessionIDs) != 1 || e.SessionIDs[0] != "sess-1" {
		t.Errorf("sessions = %v, want [sess-1]", e.SessionIDs)
	}
}

func TestGetByIDUnknown(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetByID(context.Background(), 42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestGetByIDBumpsLastAccessOnly(t *testing.T) {
	s := openTestStore(t)
	ids := insertN(t, s, 1)

	first, err := s.GetByID(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("first GetByID: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	second, err := s.GetByID(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("second GetByID: %v", err)
	}

	if !second.CreateOn.Equal(first.CreateOn) {
		t.Errorf("CreateOn changed across reads: %v -> %v", first.CreateOn, second.CreateOn)
	}
	if !second.LastAccess.After(first.LastAccess) {
		t.Errorf("LastAccess not bumped: %v -> %v", first.LastAccess, second.LastAccess)
	}
}

func TestMarkDeletedAndClearDeleted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ids := insertN(t, s, 9)

	if err := s.MarkDeleted(ctx, ids[0], ids[1], ids[2]); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}

	if _, err := s.GetByID(ctx, ids[0]); !errors.Is(err, ErrNotFound) {
		t.Fatalf("tombstoned entry readable: %v", err)
	}

	live, err := s.Count(ctx, false)
	if err != nil {
		t.Fatalf("Count(live): %v", err)
	}
	if live != 6 {
		t.Errorf("live count = %d, want 6", live)
	}
	total, err := s.Count(ctx, true)
	if err != nil {
		t.Fatalf("Count(all): %v", err)
	}
	if total != 9 {
		t.Errorf("total count = %d, want 9", total)
	}

	deleted, err := s.DeletedIDs(ctx)
	if err != nil {
		t.Fatalf("DeletedIDs: %v", err)
	}
	if len(deleted) != 3 {
		t.Fatalf("DeletedIDs = %v, want 3 ids", deleted)
	}

	removed, err := s.ClearDeleted(ctx, deleted...)
	if err != nil {
		t.Fatalf("ClearDeleted: %v", err)
	}
	if removed != 3 {
		t.Errorf("ClearDeleted removed %d, want 3", removed)
	}

	total, err = s.Count(ctx, true)
	if err != nil {
		t.Fatalf("Count(all) after compaction: %v", err)
	}
	if total != 6 {
		t.Errorf("total after compaction = %d, want 6", total)
	}

	// IDs never recycle across a delete/compact cycle.
	more := insertN(t, s, 1)
	if more[0] <= ids[len(ids)-1] {
		t.Errorf("id %d recycled after compaction (last was %d)", more[0], ids[len(ids)-1])
	}
}

func TestBatchInsertHiddenUntilMarkLive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ids, err := s.BatchInsert(ctx, []*model.CacheEntry{testEntry("pending", "sess-1")})
	if err != nil {
		t.Fatalf("BatchInsert: %v", err)
	}

	if _, err := s.GetByID(ctx, ids[0]); !errors.Is(err, ErrNotFound) {
		t.Fatalf("hidden entry readable before MarkLive: %v", err)
	}
	total, err := s.Count(ctx, true)
	if err != nil {
		t.Fatalf("Count(all): %v", err)
	}
	if total != 0 {
		t.Errorf("hidden entry counted: %d", total)
	}
	deleted, err := s.DeletedIDs(ctx)
	if err != nil {
		t.Fatalf("DeletedIDs: %v", err)
	}
	if len(deleted) != 0 {
		t.Errorf("hidden entry listed as tombstoned: %v", deleted)
	}
	removed, err := s.ClearDeleted(ctx, ids...)
	if err != nil {
		t.Fatalf("ClearDeleted: %v", err)
	}
	if removed != 0 {
		t.Errorf("compaction removed %d hidden entries", removed)
	}

	if err := s.MarkLive(ctx, ids...); err != nil {
		t.Fatalf("MarkLive: %v", err)
	}
	e, err := s.GetByID(ctx, ids[0])
	if err != nil {
		t.Fatalf("GetByID after MarkLive: %v", err)
	}
	if e.Question.Content != "pending" {
		t.Errorf("question = %q, want %q", e.Question.Content, "pending")
	}
	if len(e.SessionIDs) != 1 || e.SessionIDs[0] != "sess-1" {
		t.Errorf("sessions = %v, want [sess-1]", e.SessionIDs)
	}
}

func TestClearDeletedScopedToGivenIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ids := insertN(t, s, 3)

	if err := s.MarkDeleted(ctx, ids[0], ids[2]); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}

	// Compacting one tombstone must leave the other, and a live id in the
	// set must survive untouched.
	removed, err := s.ClearDeleted(ctx, ids[0], ids[1])
	if err != nil {
		t.Fatalf("ClearDeleted: %v", err)
	}
	if removed != 1 {
		t.Errorf("ClearDeleted removed %d, want 1", removed)
	}

	if _, err := s.GetByID(ctx, ids[1]); err != nil {
		t.Errorf("live entry removed by scoped compaction: %v", err)
	}
	deleted, err := s.DeletedIDs(ctx)
	if err != nil {
		t.Fatalf("DeletedIDs: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != ids[2] {
		t.Errorf("DeletedIDs = %v, want [%d]", deleted, ids[2])
	}
}

func TestSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entries := []*model.CacheEntry{
		testEntry("q1", "sess-a"),
		testEntry("q2", "sess-a", "sess-b"),
		testEntry("q3", "sess-b"),
	}
	ids, err := s.BatchInsert(ctx, entries)
	if err != nil {
		t.Fatalf("BatchInsert: %v", err)
	}
	if err := s.MarkLive(ctx, ids...); err != nil {
		t.Fatalf("MarkLive: %v", err)
	}

	all, err := s.ListSessions(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListSessions(all): %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d links, want 4: %+v", len(all), all)
	}

	bySession, err := s.ListSessions(ctx, "sess-b", 0)
	if err != nil {
		t.Fatalf("ListSessions(sess-b): %v", err)
	}
	if len(bySession) != 2 {
		t.Errorf("sess-b links = %d, want 2", len(bySession))
	}

	byEntry, err := s.ListSessions(ctx, "", ids[1])
	if err != nil {
		t.Fatalf("ListSessions(entry): %v", err)
	}
	if len(byEntry) != 2 {
		t.Errorf("entry %d links = %d, want 2", ids[1], len(byEntry))
	}

	both, err := s.ListSessions(ctx, "sess-a", ids[1])
	if err != nil {
		t.Fatalf("ListSessions(both): %v", err)
	}
	if len(both) != 1 || both[0].Question != "q2" {
		t.Errorf("combined filter = %+v, want one q2 link", both)
	}

	// Tombstoned entries drop out of session listings.
	if err := s.MarkDeleted(ctx, ids[0]); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}
	afterDelete, err := s.ListSessions(ctx, "sess-a", 0)
	if err != nil {
		t.Fatalf("ListSessions after delete: %v", err)
	}
	if len(afterDelete) != 1 {
		t.Errorf("sess-a links after delete = %d, want 1", len(afterDelete))
	}

	if err := s.DeleteSession(ctx, ids[1]); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	remaining, err := s.ListSessions(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListSessions after DeleteSession: %v", err)
	}
	if len(remaining) != 1 || remaining[0].EntryID != ids[2] {
		t.Errorf("remaining links = %+v, want only entry %d", remaining, ids[2])
	}

	// The entry itself survives session removal.
	if _, err := s.GetByID(ctx, ids[1]); err != nil {
		t.Errorf("entry deleted along with its sessions: %v", err)
	}
}

func TestOldestAccessedOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ids := insertN(t, s, 3)

	// Touch entries in reverse so access order inverts insert order.
	for i := len(ids) - 1; i >= 0; i-- {
		time.Sleep(2 * time.Millisecond)
		if _, err := s.GetByID(ctx, ids[i]); err != nil {
			t.Fatalf("GetByID(%d): %v", ids[i], err)
		}
	}

	oldest, err := s.OldestAccessed(ctx, 2)
	if err != nil {
		t.Fatalf("OldestAccessed: %v", err)
	}
	if len(oldest) != 2 || oldest[0] != ids[2] || oldest[1] != ids[1] {
		t.Errorf("OldestAccessed = %v, want [%d %d]", oldest, ids[2], ids[1])
	}

	created, err := s.OldestCreated(ctx, 2)
	if err != nil {
		t.Fatalf("OldestCreated: %v", err)
	}
	if len(created) != 2 || created[0] != ids[0] || created[1] != ids[1] {
		t.Errorf("OldestCreated = %v, want [%d %d]", created, ids[0], ids[1])
	}
}

func TestAllPreservesAccessStamps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ids := insertN(t, s, 3)
	if err := s.MarkDeleted(ctx, ids[1]); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}

	before, err := s.OldestAccessed(ctx, 3)
	if err != nil {
		t.Fatalf("OldestAccessed: %v", err)
	}

	entries, err := s.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("All returned %d entries, want 2 live", len(entries))
	}
	if entries[0].ID != ids[0] || entries[1].ID != ids[2] {
		t.Errorf("All order = [%d %d], want [%d %d]", entries[0].ID, entries[1].ID, ids[0], ids[2])
	}

	after, err := s.OldestAccessed(ctx, 3)
	if err != nil {
		t.Fatalf("OldestAccessed after All: %v", err)
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("All perturbed access order: %v -> %v", before, after)
		}
	}
}

func TestFlushAndReopen(t *testing.T) {
	dir := t.TempDir()

	s1, err := OpenSQLite(dir, Config{})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	ids, err := s1.BatchInsert(context.Background(), []*model.CacheEntry{testEntry("persisted")})
	if err != nil {
		t.Fatalf("BatchInsert: %v", err)
	}
	if err := s1.MarkLive(context.Background(), ids...); err != nil {
		t.Fatalf("MarkLive: %v", err)
	}
	if err := s1.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	s1.Close()

	s2, err := OpenSQLite(dir, Config{})
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	defer s2.Close()

	e, err := s2.GetByID(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("GetByID after reopen: %v", err)
	}
	if e.Question.Content != "persisted" {
		t.Errorf("question = %q, want %q", e.Question.Content, "persisted")
	}
}
