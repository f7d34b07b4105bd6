package vector

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestStore(t *testing.T, dim int, metric Metric) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := NewSQLite(db, dim, metric)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	if err := s.Create(context.Background()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s
}

func TestNewSQLiteValidation(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	defer db.Close()

	if _, err := NewSQLite(nil, 3, Cosine); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("nil db: got %v, want ErrInvalidConfig", err)
	}
	if _, err := NewSQLite(db, 0, Cosine); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("zero dim: got %v, want ErrInvalidConfig", err)
	}
	if _, err := NewSQLite(db, 3, Metric("hamming")); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("unknown metric: got %v, want ErrInvalidConfig", err)
	}

	s, err := NewSQLite(db, 3, "")
	if err != nil {
		t.Fatalf("empty metric should default: %v", err)
	}
	if s.metric != Cosine {
		t.Errorf("default metric = %q, want cosine", s.metric)
	}
}

func TestInsertDimensionMismatch(t *testing.T) {
	s := openTestStore(t, 3, Cosine)
	ctx := context.Background()

	err := s.Insert(ctx, []int64{1, 2}, [][]float32{{1, 0, 0}, {1, 0}})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("got %v, want ErrDimensionMismatch", err)
	}

	// The whole batch is rejected, not just the bad row.
	if _, err := s.Embedding(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("partial batch visible: %v", err)
	}
}

func TestEmbeddingRoundTrip(t *testing.T) {
	s := openTestStore(t, 3, Cosine)
	ctx := context.Background()

	want := []float32{0.25, -1.5, 3}
	if err := s.Insert(ctx, []int64{7}, [][]float32{want}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.Embedding(ctx, 7)
	if err != nil {
		t.Fatalf("Embedding: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("embedding = %v, want %v", got, want)
		}
	}

	if _, err := s.Embedding(ctx, 8); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: got %v, want ErrNotFound", err)
	}
}

func TestInsertReplacesExisting(t *testing.T) {
	s := openTestStore(t, 2, Cosine)
	ctx := context.Background()

	if err := s.Insert(ctx, []int64{1}, [][]float32{{1, 0}}); err != nil {
		t.Fatalf("first Insert: %v", err)
	}
	if err := s.Insert(ctx, []int64{1}, [][]float32{{0, 1}}); err != nil {
		t.Fatalf("second Insert: %v", err)
	}
	got, err := s.Embedding(ctx, 1)
	if err != nil {
		t.Fatalf("Embedding: %v", err)
	}
	if got[0] != 0 || got[1] != 1 {
		t.Errorf("embedding = %v, want [0 1]", got)
	}
}

func TestSearchCosine(t *testing.T) {
	s := openTestStore(t, 2, Cosine)
	ctx := context.Background()

	// Angles from the x axis: 0, 45, 90, 180 degrees.
	err := s.Insert(ctx,
		[]int64{1, 2, 3, 4},
		[][]float32{{2, 0}, {1, 1}, {0, 3}, {-1, 0}})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	matches, err := s.Search(ctx, []float32{1, 0}, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("got %d matches, want 3", len(matches))
	}
	wantOrder := []int64{1, 2, 3}
	for i, m := range matches {
		if m.ID != wantOrder[i] {
			t.Fatalf("match order = %v, want %v", matches, wantOrder)
		}
	}
	if matches[0].Distance > 1e-6 {
		t.Errorf("identical direction distance = %v, want ~0", matches[0].Distance)
	}
	if math.Abs(float64(matches[2].Distance)-1) > 1e-6 {
		t.Errorf("orthogonal distance = %v, want ~1", matches[2].Distance)
	}
}

func TestSearchL2(t *testing.T) {
	s := openTestStore(t, 2, L2)
	ctx := context.Background()

	err := s.Insert(ctx, []int64{1, 2, 3}, [][]float32{{0, 0}, {3, 4}, {1, 0}})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	matches, err := s.Search(ctx, []float32{0, 0}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 2 || matches[0].ID != 1 || matches[1].ID != 3 {
		t.Fatalf("matches = %v, want ids [1 3]", matches)
	}
	if matches[0].Distance != 0 {
		t.Errorf("self distance = %v, want 0", matches[0].Distance)
	}
	if math.Abs(float64(matches[1].Distance)-1) > 1e-6 {
		t.Errorf("unit distance = %v, want 1", matches[1].Distance)
	}
}

func TestSearchInnerProduct(t *testing.T) {
	s := openTestStore(t, 2, InnerProduct)
	ctx := context.Background()

	err := s.Insert(ctx, []int64{1, 2}, [][]float32{{1, 0}, {5, 0}})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// Larger dot product must rank first, i.e. smaller distance.
	matches, err := s.Search(ctx, []float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if matches[0].ID != 2 {
		t.Fatalf("matches = %v, want id 2 first", matches)
	}
	if matches[0].Distance >= matches[1].Distance {
		t.Errorf("distances not increasing: %v", matches)
	}
}

func TestSearchTopKBounds(t *testing.T) {
	s := openTestStore(t, 2, Cosine)
	ctx := context.Background()

	err := s.Insert(ctx, []int64{1, 2}, [][]float32{{1, 0}, {0, 1}})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	matches, err := s.Search(ctx, []float32{1, 0}, 10)
	if err != nil {
		t.Fatalf("Search(k>n): %v", err)
	}
	if len(matches) != 2 {
		t.Errorf("got %d matches, want all 2", len(matches))
	}

	matches, err = s.Search(ctx, []float32{1, 0}, 0)
	if err != nil {
		t.Fatalf("Search(k=0): %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("got %d matches for k=0, want none", len(matches))
	}

	if _, err := s.Search(ctx, []float32{1, 0, 0}, 1); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("query dim mismatch: got %v, want ErrDimensionMismatch", err)
	}
}

func TestDeleteRemovesFromSearch(t *testing.T) {
	s := openTestStore(t, 2, Cosine)
	ctx := context.Background()

	err := s.Insert(ctx, []int64{1, 2}, [][]float32{{1, 0}, {0.9, 0.1}})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Delete(ctx, 1); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	matches, err := s.Search(ctx, []float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != 2 {
		t.Errorf("matches = %v, want only id 2", matches)
	}

	if _, err := s.Embedding(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted embedding readable: %v", err)
	}
}
