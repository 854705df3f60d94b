package vector

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	merrors "github.com/nicosuave/memex/internal/errors"
)

func TestMemoryIndex_AddSearch(t *testing.T) {
	idx, err := NewMemoryIndex(3)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	vecs := [][]float32{
		{1, 0, 0},
		{0.9, 0.1, 0},
		{0, 1, 0},
	}
	ids := []string{"a", "b", "c"}
	if err := idx.Add(ctx, ids, vecs); err != nil {
		t.Fatal(err)
	}
	if idx.Size() != 3 {
		t.Errorf("Size=%d", idx.Size())
	}

	results, err := idx.Search(ctx, []float32{2, 0, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "a" || results[1].ID != "b" {
		t.Errorf("order = %s, %s", results[0].ID, results[1].ID)
	}
	if results[0].Score < 0.9999 {
		t.Errorf("unnormalized query should still score 1, got %v", results[0].Score)
	}
}

func TestMemoryIndex_UpsertReplaces(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	ctx := context.Background()
	_ = idx.Add(ctx, []string{"x"}, [][]float32{{1, 0}})
	_ = idx.Add(ctx, []string{"x"}, [][]float32{{0, 1}})
	if idx.Size() != 1 {
		t.Fatalf("upsert duplicated the entry: size %d", idx.Size())
	}
	results, _ := idx.Search(ctx, []float32{0, 1}, 1)
	if results[0].Score < 0.9999 {
		t.Errorf("vector not replaced, score %v", results[0].Score)
	}
}

func TestMemoryIndex_TiesByID(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	ctx := context.Background()
	_ = idx.Add(ctx, []string{"c", "a", "b"}, [][]float32{{1, 1}, {1, 1}, {1, 1}})
	results, _ := idx.Search(ctx, []float32{1, 1}, 3)
	if results[0].ID != "a" || results[1].ID != "b" || results[2].ID != "c" {
		t.Errorf("tie order = %v %v %v", results[0].ID, results[1].ID, results[2].ID)
	}
}

func TestMemoryIndex_DimensionMismatch(t *testing.T) {
	idx, _ := NewMemoryIndex(3)
	ctx := context.Background()
	err := idx.Add(ctx, []string{"a", "b"}, [][]float32{{1, 0, 0}, {1, 0}})
	if !merrors.Is(err, merrors.KindConfigMismatch) {
		t.Errorf("Add: expected config mismatch, got %v", err)
	}
	if idx.Size() != 0 {
		t.Error("a rejected batch must not be partially added")
	}
	if _, err := idx.Search(ctx, []float32{1, 0}, 1); !merrors.Is(err, merrors.KindConfigMismatch) {
		t.Errorf("Search: expected config mismatch, got %v", err)
	}
	if _, err := NewMemoryIndex(0); err == nil {
		t.Error("expected error for zero dimensions")
	}
}

func TestMemoryIndex_Remove(t *testing.T) {
	idx, _ := NewMemoryIndex(2)
	ctx := context.Background()
	_ = idx.Add(ctx, []string{"x", "y", "z"}, [][]float32{{1, 0}, {0, 1}, {1, 1}})
	if err := idx.Remove(ctx, []string{"x", "missing"}); err != nil {
		t.Fatal(err)
	}
	if idx.Size() != 2 {
		t.Errorf("expected size 2, got %d", idx.Size())
	}
	results, _ := idx.Search(ctx, []float32{1, 0}, 5)
	for _, r := range results {
		if r.ID == "x" {
			t.Error("removed vector still returned")
		}
	}
	// The moved entry must still be addressable.
	_ = idx.Add(ctx, []string{"z"}, [][]float32{{0, 1}})
	if idx.Size() != 2 {
		t.Errorf("upsert after remove changed size to %d", idx.Size())
	}
}

func TestMemoryIndex_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vectors", "potion.bin")
	ctx := context.Background()
	idx, _ := NewMemoryIndex(2)
	_ = idx.Add(ctx, []string{"a", "b"}, [][]float32{{1, 0}, {0, 1}})
	if err := idx.Save(path, 7); err != nil {
		t.Fatal(err)
	}

	loaded, _ := NewMemoryIndex(2)
	if err := loaded.Load(path, 7); err != nil {
		t.Fatal(err)
	}
	if loaded.Size() != 2 {
		t.Fatalf("loaded size %d", loaded.Size())
	}
	results, _ := loaded.Search(ctx, []float32{0, 1}, 1)
	if results[0].ID != "b" {
		t.Errorf("loaded index returned %s", results[0].ID)
	}

	if err := loaded.Load(path, 8); !errors.Is(err, ErrStaleSnapshot) {
		t.Errorf("expected stale snapshot, got %v", err)
	}
	other, _ := NewMemoryIndex(3)
	if err := other.Load(path, 7); !merrors.Is(err, merrors.KindConfigMismatch) {
		t.Errorf("expected config mismatch, got %v", err)
	}
	if err := loaded.Load(filepath.Join(dir, "missing.bin"), 7); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not exist, got %v", err)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %d entries", len(entries))
	}
}

func TestMemoryIndex_LoadTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gemma.bin")
	idx, _ := NewMemoryIndex(2)
	_ = idx.Add(context.Background(), []string{"a", "b"}, [][]float32{{1, 0}, {0, 1}})
	if err := idx.Save(path, 1); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	for _, cut := range []int{3, 20, len(data) - 1} {
		if err := os.WriteFile(path, data[:cut], 0644); err != nil {
			t.Fatal(err)
		}
		fresh, _ := NewMemoryIndex(2)
		err := fresh.Load(path, 1)
		if !errors.Is(err, merrors.ErrStorageCorruption) {
			t.Errorf("cut at %d: expected corruption, got %v", cut, err)
		}
		if fresh.Size() != 0 {
			t.Errorf("cut at %d: failed load modified the index", cut)
		}
	}
}

func TestMemoryIndex_LoadCountBeyondFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gemma.bin")
	idx, _ := NewMemoryIndex(2)
	_ = idx.Add(context.Background(), []string{"a"}, [][]float32{{1, 0}})
	if err := idx.Save(path, 1); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	binary.LittleEndian.PutUint32(data[16:20], math.MaxUint32)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	fresh, _ := NewMemoryIndex(2)
	err := fresh.Load(path, 1)
	if !errors.Is(err, merrors.ErrStorageCorruption) {
		t.Errorf("expected corruption, got %v", err)
	}
	if fresh.Size() != 0 {
		t.Error("failed load modified the index")
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		a, b []float32
		want float64
	}{
		{[]float32{1, 0}, []float32{1, 0}, 1},
		{[]float32{1, 0}, []float32{0, 1}, 0},
		{[]float32{1, 0}, []float32{-1, 0}, -1},
		{[]float32{0, 0}, []float32{1, 0}, 0},
		{[]float32{1}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		if got := Cosine(tt.a, tt.b); got < tt.want-1e-9 || got > tt.want+1e-9 {
			t.Errorf("Cosine(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
