package storage

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	merrors "github.com/nicosuave/memex/internal/errors"
	"github.com/nicosuave/memex/internal/models"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "index", "memex.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testDoc(id, session, text string, ts time.Time) *models.Document {
	return &models.Document{
		ID:          id,
		SessionID:   session,
		Project:     "memex",
		Role:        models.RoleUser,
		Source:      models.SourceClaude,
		Timestamp:   ts,
		Text:        text,
		SourcePath:  "/logs/" + session + ".jsonl",
		ContentHash: "h-" + text,
	}
}

func TestSQLiteStorage_UpsertLifecycle(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	doc := testDoc("d1", "s1", "hello world", ts)

	var results []UpsertResult
	upsert := func(d *models.Document) {
		t.Helper()
		err := store.Update(ctx, func(tx Tx) error {
			res, err := tx.UpsertDocument(d)
			results = append(results, res)
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	upsert(doc)
	upsert(testDoc("d1", "s1", "hello world", ts))
	changed := testDoc("d1", "s1", "hello there", ts)
	upsert(changed)

	want := []UpsertResult{Inserted, Unchanged, Updated}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("upsert %d = %v, want %v", i, results[i], want[i])
		}
	}

	got, err := store.GetDocument(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "hello there" || !got.Timestamp.Equal(ts) || got.Role != models.RoleUser {
		t.Errorf("got %+v", got)
	}
	n, _ := store.CountDocuments(ctx)
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestSQLiteStorage_GetDocumentNotFound(t *testing.T) {
	store := newTestStorage(t)
	_, err := store.GetDocument(context.Background(), "missing")
	if !stderrors.Is(err, merrors.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	_, err = store.SessionDocuments(context.Background(), "missing")
	if !stderrors.Is(err, merrors.ErrNotFound) {
		t.Errorf("expected session not found, got %v", err)
	}
}

func TestSQLiteStorage_UpdateRollsBack(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	boom := stderrors.New("boom")
	err := store.Update(ctx, func(tx Tx) error {
		if _, err := tx.UpsertDocument(testDoc("d1", "s1", "text", time.Now())); err != nil {
			return err
		}
		return boom
	})
	if !stderrors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	n, _ := store.CountDocuments(ctx)
	if n != 0 {
		t.Errorf("rolled back transaction left %d documents", n)
	}
}

func TestSQLiteStorage_PostingsAndStats(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	err := store.Update(ctx, func(tx Tx) error {
		for _, d := range []*models.Document{testDoc("a", "s1", "x", time.Now()), testDoc("b", "s1", "y", time.Now())} {
			if _, err := tx.UpsertDocument(d); err != nil {
				return err
			}
		}
		if err := tx.SetPostings("a", 3, map[string]int{"alpha": 2, "beta": 1}); err != nil {
			return err
		}
		return tx.SetPostings("b", 5, map[string]int{"beta": 5})
	})
	if err != nil {
		t.Fatal(err)
	}
	stats, err := store.CorpusStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Documents != 2 || stats.TotalTokens != 8 || stats.AvgDocLen() != 4 {
		t.Errorf("stats = %+v", stats)
	}
	postings, err := store.Postings(ctx, []string{"beta", "alpha", "beta", "gamma"})
	if err != nil {
		t.Fatal(err)
	}
	if len(postings["beta"]) != 2 || len(postings["alpha"]) != 1 || len(postings["gamma"]) != 0 {
		t.Errorf("postings = %+v", postings)
	}
	for _, p := range postings["beta"] {
		if p.DocID == "b" && (p.TF != 5 || p.DocLen != 5) {
			t.Errorf("posting b = %+v", p)
		}
	}

	// Replacing postings drops old terms.
	if err := store.Update(ctx, func(tx Tx) error {
		return tx.SetPostings("a", 1, map[string]int{"gamma": 1})
	}); err != nil {
		t.Fatal(err)
	}
	postings, _ = store.Postings(ctx, []string{"alpha", "gamma"})
	if len(postings["alpha"]) != 0 || len(postings["gamma"]) != 1 {
		t.Errorf("after replace postings = %+v", postings)
	}
}

func TestSQLiteStorage_DeleteCascades(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	vec := make([]float32, models.ModelPotion.Dimensions())
	vec[0] = 1
	err := store.Update(ctx, func(tx Tx) error {
		if _, err := tx.UpsertDocument(testDoc("a", "s1", "x", time.Now())); err != nil {
			return err
		}
		if err := tx.SetPostings("a", 1, map[string]int{"alpha": 1}); err != nil {
			return err
		}
		return tx.PutEmbedding(&models.EmbeddingRecord{DocID: "a", Model: models.ModelPotion, Vector: vec, ContentHash: "h-x"})
	})
	if err != nil {
		t.Fatal(err)
	}
	before, _ := store.Metadata(ctx)

	err = store.Update(ctx, func(tx Tx) error {
		ok, err := tx.DeleteDocument("a")
		if !ok {
			t.Error("expected document to exist")
		}
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	postings, _ := store.Postings(ctx, []string{"alpha"})
	if len(postings["alpha"]) != 0 {
		t.Error("postings not cascaded")
	}
	if n, _ := store.CountEmbeddings(ctx, models.ModelPotion); n != 0 {
		t.Errorf("embeddings not cascaded: %d", n)
	}
	after, _ := store.Metadata(ctx)
	if after.VectorGeneration <= before.VectorGeneration {
		t.Errorf("vector generation not bumped: %d -> %d", before.VectorGeneration, after.VectorGeneration)
	}
}

func TestSQLiteStorage_Embeddings(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	model := models.ModelPotion
	good := make([]float32, model.Dimensions())
	good[1] = 0.5

	err := store.Update(ctx, func(tx Tx) error {
		for _, d := range []*models.Document{testDoc("a", "s1", "x", time.Now()), testDoc("b", "s1", "y", time.Now())} {
			if _, err := tx.UpsertDocument(d); err != nil {
				return err
			}
		}
		return tx.PutEmbedding(&models.EmbeddingRecord{DocID: "a", Model: model, Vector: good, ContentHash: "h-x"})
	})
	if err != nil {
		t.Fatal(err)
	}

	err = store.Update(ctx, func(tx Tx) error {
		return tx.PutEmbedding(&models.EmbeddingRecord{DocID: "b", Model: model, Vector: []float32{1, 2, 3}})
	})
	if !merrors.Is(err, merrors.KindConfigMismatch) {
		t.Errorf("expected config mismatch for short vector, got %v", err)
	}

	stale, err := store.StaleEmbeddings(ctx, model, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].ID != "b" {
		t.Errorf("stale = %v", stale)
	}

	// Changing a document's content makes its embedding stale.
	if err := store.Update(ctx, func(tx Tx) error {
		_, err := tx.UpsertDocument(testDoc("a", "s1", "x2", time.Now()))
		return err
	}); err != nil {
		t.Fatal(err)
	}
	stale, _ = store.StaleEmbeddings(ctx, model, "", 10)
	if len(stale) != 2 {
		t.Errorf("expected both documents stale after update, got %d", len(stale))
	}
	stale, _ = store.StaleEmbeddings(ctx, model, "a", 10)
	if len(stale) != 1 || stale[0].ID != "b" {
		t.Errorf("keyset pagination failed: %v", stale)
	}

	var seen int
	if err := store.ForEachEmbedding(ctx, model, func(string, []float32) error { seen++; return nil }); err != nil {
		t.Fatal(err)
	}
	if seen != 0 {
		t.Errorf("updated document kept its old embedding")
	}
}

func TestSQLiteStorage_RegisterModel(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	if err := store.Update(ctx, func(tx Tx) error { return tx.RegisterModel(models.ModelGemma, 768, "hash-v1") }); err != nil {
		t.Fatal(err)
	}
	if err := store.Update(ctx, func(tx Tx) error { return tx.RegisterModel(models.ModelGemma, 768, "hash-v1") }); err != nil {
		t.Errorf("re-registering same dims failed: %v", err)
	}
	err := store.Update(ctx, func(tx Tx) error { return tx.RegisterModel(models.ModelGemma, 512, "hash-v1") })
	if !merrors.Is(err, merrors.KindConfigMismatch) {
		t.Errorf("expected config mismatch, got %v", err)
	}
	meta, err := store.Metadata(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Models[models.ModelGemma] != 768 {
		t.Errorf("models = %v", meta.Models)
	}
}

func TestSQLiteStorage_RegisterModelNewEmbedderDropsVectors(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	model := models.ModelPotion
	vec := make([]float32, model.Dimensions())
	vec[0] = 1
	err := store.Update(ctx, func(tx Tx) error {
		if err := tx.RegisterModel(model, model.Dimensions(), "hash-v1"); err != nil {
			return err
		}
		if _, err := tx.UpsertDocument(testDoc("a", "s1", "x", time.Now())); err != nil {
			return err
		}
		return tx.PutEmbedding(&models.EmbeddingRecord{DocID: "a", Model: model, Vector: vec, ContentHash: "h-x"})
	})
	if err != nil {
		t.Fatal(err)
	}
	before, _ := store.Metadata(ctx)
	if before.Embedders[model] != "hash-v1" {
		t.Errorf("embedders = %v", before.Embedders)
	}

	if err := store.Update(ctx, func(tx Tx) error { return tx.RegisterModel(model, model.Dimensions(), "onnx:0123") }); err != nil {
		t.Fatal(err)
	}
	if n, _ := store.CountEmbeddings(ctx, model); n != 0 {
		t.Errorf("vectors from the previous embedder kept: %d", n)
	}
	stale, err := store.StaleEmbeddings(ctx, model, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].ID != "a" {
		t.Errorf("stale = %v", stale)
	}
	after, _ := store.Metadata(ctx)
	if after.Embedders[model] != "onnx:0123" {
		t.Errorf("embedders = %v", after.Embedders)
	}
	if after.VectorGeneration <= before.VectorGeneration {
		t.Errorf("vector generation not bumped: %d -> %d", before.VectorGeneration, after.VectorGeneration)
	}
}

func TestSQLiteStorage_SessionOrderAndFilters(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	docs := []*models.Document{
		testDoc("c", "s1", "third", base.Add(2*time.Minute)),
		testDoc("a", "s1", "first", base),
		testDoc("b", "s1", "second same ts", base),
		testDoc("z", "s2", "other", base.Add(time.Hour)),
	}
	docs[1].Offset = 0
	docs[2].Offset = 1
	docs[3].Project = "other"
	docs[3].Source = models.SourceCodex
	if err := store.Update(ctx, func(tx Tx) error {
		for _, d := range docs {
			if _, err := tx.UpsertDocument(d); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	session, err := store.SessionDocuments(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, d := range session {
		ids = append(ids, d.ID)
	}
	if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Errorf("session order = %v", ids)
	}

	recent, err := store.RecentDocuments(ctx, DocumentFilter{Project: "memex"}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].ID != "c" {
		t.Errorf("recent = %v", recent)
	}

	projects, err := store.Projects(ctx, models.SourceCodex)
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 1 || projects[0] != "other" {
		t.Errorf("projects = %v", projects)
	}

	got, err := store.GetDocuments(ctx, []string{"a", "z", "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got["z"] == nil {
		t.Errorf("GetDocuments = %v", got)
	}
}

func TestSQLiteStorage_ScanStateAndClear(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := &models.ScanState{SourcePath: "/logs/a.jsonl", Size: 42, ModTime: now, ContentHash: "abc", LastScannedAt: now}
	if err := store.Update(ctx, func(tx Tx) error {
		if _, err := tx.UpsertDocument(testDoc("a", "s1", "x", now)); err != nil {
			return err
		}
		return tx.PutScanState(st)
	}); err != nil {
		t.Fatal(err)
	}
	states, err := store.ScanStates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got := states["/logs/a.jsonl"]
	if got == nil || got.Size != 42 || got.ContentHash != "abc" || !got.LastScannedAt.Equal(now) {
		t.Errorf("scan state = %+v", got)
	}

	if err := store.Update(ctx, func(tx Tx) error { return tx.Clear() }); err != nil {
		t.Fatal(err)
	}
	states, _ = store.ScanStates(ctx)
	n, _ := store.CountDocuments(ctx)
	if len(states) != 0 || n != 0 {
		t.Errorf("clear left %d states and %d documents", len(states), n)
	}
	meta, _ := store.Metadata(ctx)
	if meta.LastFullRebuild.IsZero() {
		t.Error("clear should record the full rebuild time")
	}
}

func TestNewSQLiteStorage_corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memex.db")
	garbage := make([]byte, 4096)
	for i := range garbage {
		garbage[i] = byte('x')
	}
	if err := os.WriteFile(path, garbage, 0644); err != nil {
		t.Fatal(err)
	}
	_, err := NewSQLiteStorage(path)
	if !stderrors.Is(err, merrors.ErrStorageCorruption) {
		t.Errorf("expected storage corruption, got %v", err)
	}
	if merrors.SuggestionOf(err) == "" {
		t.Error("corruption should carry a reindex suggestion")
	}
}

func TestSQLiteStorage_Terms(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	err := store.Update(ctx, func(tx Tx) error {
		for _, d := range []*models.Document{testDoc("a", "s1", "x", time.Now()), testDoc("b", "s1", "y", time.Now())} {
			if _, err := tx.UpsertDocument(d); err != nil {
				return err
			}
		}
		if err := tx.SetPostings("a", 2, map[string]int{"index": 1, "go": 1}); err != nil {
			return err
		}
		return tx.SetPostings("b", 1, map[string]int{"index": 1})
	})
	if err != nil {
		t.Fatal(err)
	}
	terms, err := store.Terms(ctx, 3, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(terms) != 1 || terms["index"] != 2 {
		t.Errorf("terms = %v", terms)
	}
}
