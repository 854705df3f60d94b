package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	merrors "github.com/nicosuave/memex/internal/errors"
	"github.com/nicosuave/memex/internal/models"
	"github.com/nicosuave/memex/pkg/utils"
)

const (
	metaLastFullRebuild  = "last_full_rebuild"
	metaVectorGeneration = "vector_generation"
)

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
	now func() time.Time

	// vectorsDirty is set when embeddings were added or removed, so that
	// persisted vector snapshots are invalidated on commit.
	vectorsDirty bool
}

// UpsertDocument inserts doc, replaces it when its content hash changed, or does nothing.
// A replaced document loses its embeddings for every model.
func (t *sqliteTx) UpsertDocument(doc *models.Document) (UpsertResult, error) {
	var existing string
	err := t.tx.QueryRowContext(t.ctx, `SELECT content_hash FROM documents WHERE doc_id = ?`, doc.ID).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		doc.IndexedAt = t.now().UTC()
		_, err = t.tx.ExecContext(t.ctx,
			`INSERT INTO documents (`+docColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			doc.ID, doc.SessionID, doc.Project, string(doc.Role), doc.Tool, string(doc.Source),
			toMillis(doc.Timestamp), doc.Text, doc.SourcePath, doc.Offset, doc.ContentHash, toMillis(doc.IndexedAt))
		if err != nil {
			return Unchanged, fmt.Errorf("insert document %s: %w", doc.ID, err)
		}
		return Inserted, nil
	case err != nil:
		return Unchanged, fmt.Errorf("lookup document %s: %w", doc.ID, err)
	case existing == doc.ContentHash:
		return Unchanged, nil
	}

	doc.IndexedAt = t.now().UTC()
	_, err = t.tx.ExecContext(t.ctx,
		`UPDATE documents SET session_id = ?, project = ?, role = ?, tool = ?, source = ?, ts = ?,
		 text = ?, source_path = ?, record_offset = ?, content_hash = ?, indexed_at = ?
		 WHERE doc_id = ?`,
		doc.SessionID, doc.Project, string(doc.Role), doc.Tool, string(doc.Source), toMillis(doc.Timestamp),
		doc.Text, doc.SourcePath, doc.Offset, doc.ContentHash, toMillis(doc.IndexedAt), doc.ID)
	if err != nil {
		return Unchanged, fmt.Errorf("update document %s: %w", doc.ID, err)
	}
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM embeddings WHERE doc_id = ?`, doc.ID)
	if err != nil {
		return Unchanged, fmt.Errorf("invalidate embeddings %s: %w", doc.ID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		t.vectorsDirty = true
	}
	return Updated, nil
}

// DeleteDocument removes a document with its postings and embeddings.
func (t *sqliteTx) DeleteDocument(id string) (bool, error) {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM postings WHERE doc_id = ?`, id); err != nil {
		return false, fmt.Errorf("delete postings %s: %w", id, err)
	}
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM embeddings WHERE doc_id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete embeddings %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		t.vectorsDirty = true
	}
	res, err = t.tx.ExecContext(t.ctx, `DELETE FROM documents WHERE doc_id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete document %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SourceDocumentIDs lists the documents parsed from sourcePath.
func (t *sqliteTx) SourceDocumentIDs(sourcePath string) ([]string, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT doc_id FROM documents WHERE source_path = ?`, sourcePath)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetPostings replaces the posting entries and token length of a document.
func (t *sqliteTx) SetPostings(docID string, length int, termFreqs map[string]int) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM postings WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("clear postings %s: %w", docID, err)
	}
	if len(termFreqs) > 0 {
		stmt, err := t.tx.PrepareContext(t.ctx, `INSERT INTO postings (term, doc_id, tf) VALUES (?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for term, tf := range termFreqs {
			if _, err := stmt.ExecContext(t.ctx, term, docID, tf); err != nil {
				return fmt.Errorf("insert posting %s/%s: %w", term, docID, err)
			}
		}
	}
	if _, err := t.tx.ExecContext(t.ctx, `UPDATE documents SET token_count = ? WHERE doc_id = ?`, length, docID); err != nil {
		return fmt.Errorf("set token count %s: %w", docID, err)
	}
	return nil
}

// PutEmbedding stores or replaces the vector for (doc, model). The vector length must
// equal the model's dimension. A document deleted since it was read is skipped.
func (t *sqliteTx) PutEmbedding(rec *models.EmbeddingRecord) error {
	if !rec.Model.Valid() {
		return fmt.Errorf("unknown model %q", rec.Model)
	}
	if len(rec.Vector) != rec.Model.Dimensions() {
		return merrors.ConfigMismatch(rec.DocID+"/"+string(rec.Model), rec.Model.Dimensions(), len(rec.Vector))
	}
	res, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO embeddings (doc_id, model, dims, vector, content_hash)
		 SELECT ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM documents WHERE doc_id = ?)
		 ON CONFLICT(doc_id, model) DO UPDATE SET dims = excluded.dims, vector = excluded.vector,
		 content_hash = excluded.content_hash`,
		rec.DocID, string(rec.Model), len(rec.Vector), utils.Float32sToBytes(rec.Vector), rec.ContentHash, rec.DocID)
	if err != nil {
		return fmt.Errorf("put embedding %s/%s: %w", rec.DocID, rec.Model, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		t.vectorsDirty = true
	}
	return nil
}

// RegisterModel records the dimension and the embedder identity used for model.
// A different dimension than the one already registered is a ConfigMismatch. A
// different embedder drops the model's stored vectors so they are recomputed.
func (t *sqliteTx) RegisterModel(model models.ModelKind, dims int, embedder string) error {
	var (
		existing int
		current  string
	)
	err := t.tx.QueryRowContext(t.ctx, `SELECT dims, embedder FROM models WHERE model = ?`, string(model)).
		Scan(&existing, &current)
	switch {
	case err == sql.ErrNoRows:
		_, err = t.tx.ExecContext(t.ctx, `INSERT INTO models (model, dims, embedder, registered_at) VALUES (?, ?, ?, ?)`,
			string(model), dims, embedder, toMillis(t.now()))
		return err
	case err != nil:
		return err
	case existing != dims:
		return merrors.ConfigMismatch(string(model), existing, dims)
	case current == embedder:
		return nil
	}
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM embeddings WHERE model = ?`, string(model))
	if err != nil {
		return fmt.Errorf("drop embeddings %s: %w", model, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		t.vectorsDirty = true
	}
	_, err = t.tx.ExecContext(t.ctx, `UPDATE models SET embedder = ?, registered_at = ? WHERE model = ?`,
		embedder, toMillis(t.now()), string(model))
	return err
}

// PutScanState stores the fingerprint of a source file.
func (t *sqliteTx) PutScanState(st *models.ScanState) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO scan_state (source_path, size, mod_time, content_hash, last_scanned_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(source_path) DO UPDATE SET size = excluded.size, mod_time = excluded.mod_time,
		 content_hash = excluded.content_hash, last_scanned_at = excluded.last_scanned_at`,
		st.SourcePath, st.Size, toMillis(st.ModTime), st.ContentHash, toMillis(st.LastScannedAt))
	return err
}

// DeleteScanState forgets a source file.
func (t *sqliteTx) DeleteScanState(sourcePath string) error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM scan_state WHERE source_path = ?`, sourcePath)
	return err
}

// Clear empties the corpus and records the time of the full rebuild.
func (t *sqliteTx) Clear() error {
	for _, table := range []string{"postings", "embeddings", "documents", "scan_state"} {
		if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	t.vectorsDirty = true
	return t.setMeta(metaLastFullRebuild, strconv.FormatInt(toMillis(t.now()), 10))
}

func (t *sqliteTx) setMeta(key, value string) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

func (t *sqliteTx) bumpVectorGeneration() error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO meta (key, value) VALUES (?, '1')
		 ON CONFLICT(key) DO UPDATE SET value = CAST(CAST(value AS INTEGER) + 1 AS TEXT)`,
		metaVectorGeneration)
	return err
}
