package scan

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nicosuave/memex/internal/config"
	"github.com/nicosuave/memex/internal/storage"
)

type fixture struct {
	store   *storage.SQLiteStorage
	root    string
	sources []config.SourceConfig
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "memex.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	root := filepath.Join(dir, "logs")
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatal(err)
	}
	return &fixture{
		store:   store,
		root:    root,
		sources: []config.SourceConfig{{Name: "test", Root: root, Extensions: []string{".jsonl"}}},
		now:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.root, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func (f *fixture) detector() *Detector {
	return NewDetector(f.store, time.Hour, WithClock(func() time.Time { return f.now }))
}

// commit stores the fingerprints of changes as the indexer would.
func (f *fixture) commit(t *testing.T, changes *Changes) {
	t.Helper()
	err := f.store.Update(context.Background(), func(tx storage.Tx) error {
		for _, c := range changes.Changed {
			if err := tx.PutScanState(c.State); err != nil {
				return err
			}
		}
		for _, st := range changes.Refreshed {
			if err := tx.PutScanState(st); err != nil {
				return err
			}
		}
		for _, p := range changes.Removed {
			if err := tx.DeleteScanState(p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestDetect_newAndUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.write(t, "a.jsonl", `{"text":"hello"}`)
	f.write(t, "notes.txt", "ignored")

	changes, err := f.detector().Detect(ctx, f.sources, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes.Changed) != 1 || changes.Changed[0].Path != a {
		t.Fatalf("changed = %+v", changes.Changed)
	}
	if changes.Changed[0].State.ContentHash == "" {
		t.Error("changed file must carry its content hash")
	}
	f.commit(t, changes)

	changes, err = f.detector().Detect(ctx, f.sources, false)
	if err != nil {
		t.Fatal(err)
	}
	if changes.HasChanges() || len(changes.Refreshed) != 0 {
		t.Errorf("second scan should be a no-op: %+v", changes)
	}
}

func TestDetect_contentChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := f.write(t, "a.jsonl", `{"text":"one"}`)
	changes, _ := f.detector().Detect(ctx, f.sources, false)
	f.commit(t, changes)

	if err := os.WriteFile(path, []byte(`{"text":"one two"}`), 0644); err != nil {
		t.Fatal(err)
	}
	changes, err := f.detector().Detect(ctx, f.sources, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes.Changed) != 1 {
		t.Errorf("expected changed file, got %+v", changes)
	}
}

func TestDetect_touchWithoutChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := f.write(t, "a.jsonl", `{"text":"one"}`)
	changes, _ := f.detector().Detect(ctx, f.sources, false)
	f.commit(t, changes)

	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
	changes, err := f.detector().Detect(ctx, f.sources, false)
	if err != nil {
		t.Fatal(err)
	}
	if changes.HasChanges() {
		t.Errorf("touched file with same content must not be reparsed: %+v", changes.Changed)
	}
	if len(changes.Refreshed) != 1 {
		t.Errorf("expected refreshed fingerprint, got %d", len(changes.Refreshed))
	}
}

func TestDetect_ttlForcesRehash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.write(t, "a.jsonl", `{"text":"one"}`)
	changes, _ := f.detector().Detect(ctx, f.sources, false)
	f.commit(t, changes)

	f.now = f.now.Add(2 * time.Hour)
	changes, err := f.detector().Detect(ctx, f.sources, false)
	if err != nil {
		t.Fatal(err)
	}
	if changes.HasChanges() || len(changes.Refreshed) != 1 {
		t.Errorf("expired entry should be rehashed and refreshed: %+v", changes)
	}
	if !changes.Refreshed[0].LastScannedAt.Equal(f.now) {
		t.Errorf("last_scanned_at = %v", changes.Refreshed[0].LastScannedAt)
	}
}

func TestDetect_removedAndFull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.write(t, "a.jsonl", `{"text":"one"}`)
	f.write(t, "b.jsonl", `{"text":"two"}`)
	changes, _ := f.detector().Detect(ctx, f.sources, false)
	f.commit(t, changes)

	if err := os.Remove(a); err != nil {
		t.Fatal(err)
	}
	changes, err := f.detector().Detect(ctx, f.sources, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes.Removed) != 1 || changes.Removed[0] != a || !changes.HasChanges() {
		t.Errorf("removed = %v", changes.Removed)
	}

	changes, err = f.detector().Detect(ctx, f.sources, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes.Changed) != 1 {
		t.Errorf("full scan should return every file, got %d", len(changes.Changed))
	}
}

func TestDetect_unreadable(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.jsonl", `{"text":"one"}`)
	d := f.detector()
	d.hash = func(string) (string, error) { return "", os.ErrPermission }
	changes, err := d.Detect(context.Background(), f.sources, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes.Unreadable) != 1 || len(changes.Changed) != 0 {
		t.Errorf("changes = %+v", changes)
	}
	warnings := changes.Warnings()
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v", warnings)
	}
}

func TestDetect_missingRoot(t *testing.T) {
	f := newFixture(t)
	sources := []config.SourceConfig{{Name: "gone", Root: filepath.Join(f.root, "nope")}}
	changes, err := f.detector().Detect(context.Background(), sources, false)
	if err != nil {
		t.Fatal(err)
	}
	if changes.Scanned != 0 || changes.HasChanges() {
		t.Errorf("changes = %+v", changes)
	}
}

func TestExtensionAllowed(t *testing.T) {
	tests := []struct {
		path    string
		allowed []string
		want    bool
	}{
		{"a.jsonl", []string{".jsonl"}, true},
		{"a.JSONL", []string{"jsonl"}, true},
		{"a.json", []string{".jsonl"}, false},
		{"a.txt", nil, true},
	}
	for _, tt := range tests {
		if got := extensionAllowed(tt.path, tt.allowed); got != tt.want {
			t.Errorf("extensionAllowed(%q, %v) = %v, want %v", tt.path, tt.allowed, got, tt.want)
		}
	}
}
