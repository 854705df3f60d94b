package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	merrors "github.com/nicosuave/memex/internal/errors"
	"github.com/nicosuave/memex/internal/models"
	"github.com/nicosuave/memex/pkg/utils"
)

// maxParams bounds the number of bound parameters in one IN (...) list.
const maxParams = 500

const docColumns = `doc_id, session_id, project, role, tool, source, ts, text, source_path, record_offset, content_hash, indexed_at`

// SQLiteStorage implements Storage using SQLite in WAL mode.
type SQLiteStorage struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath, verifies it, and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	var check string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&check); err != nil {
		_ = db.Close()
		return nil, classify(dbPath, err)
	}
	if check != "ok" {
		_ = db.Close()
		return nil, merrors.Corruption(dbPath, fmt.Errorf("integrity check: %s", check))
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, classify(dbPath, fmt.Errorf("failed to initialize schema: %w", err))
	}

	return &SQLiteStorage{db: db, path: dbPath, now: time.Now}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		doc_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		project TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT '',
		tool TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		ts INTEGER NOT NULL DEFAULT 0,
		text TEXT NOT NULL,
		source_path TEXT NOT NULL,
		record_offset INTEGER NOT NULL,
		content_hash TEXT NOT NULL,
		token_count INTEGER NOT NULL DEFAULT 0,
		indexed_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_documents_session ON documents(session_id, ts);
	CREATE INDEX IF NOT EXISTS idx_documents_source_path ON documents(source_path);
	CREATE INDEX IF NOT EXISTS idx_documents_ts ON documents(ts);

	CREATE TABLE IF NOT EXISTS postings (
		term TEXT NOT NULL,
		doc_id TEXT NOT NULL REFERENCES documents(doc_id) ON DELETE CASCADE,
		tf INTEGER NOT NULL,
		PRIMARY KEY (term, doc_id)
	) WITHOUT ROWID;

	CREATE INDEX IF NOT EXISTS idx_postings_doc ON postings(doc_id);

	CREATE TABLE IF NOT EXISTS embeddings (
		doc_id TEXT NOT NULL REFERENCES documents(doc_id) ON DELETE CASCADE,
		model TEXT NOT NULL,
		dims INTEGER NOT NULL,
		vector BLOB NOT NULL,
		content_hash TEXT NOT NULL,
		PRIMARY KEY (doc_id, model)
	);

	CREATE INDEX IF NOT EXISTS idx_embeddings_model ON embeddings(model);

	CREATE TABLE IF NOT EXISTS scan_state (
		source_path TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		mod_time INTEGER NOT NULL,
		content_hash TEXT NOT NULL,
		last_scanned_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS models (
		model TEXT PRIMARY KEY,
		dims INTEGER NOT NULL,
		embedder TEXT NOT NULL DEFAULT '',
		registered_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	return addColumn(db, "models", "embedder", "TEXT NOT NULL DEFAULT ''")
}

// addColumn adds column to table when an older database lacks it.
func addColumn(db *sql.DB, table, column, decl string) error {
	rows, err := db.Query("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()
	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

// Path returns the database file path.
func (s *SQLiteStorage) Path() string {
	return s.path
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// GetDocument returns a document by ID.
func (s *SQLiteStorage) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+docColumns+` FROM documents WHERE doc_id = ?`, id)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, merrors.NotFound("document", id)
	}
	if err != nil {
		return nil, classify(s.path, err)
	}
	return doc, nil
}

// GetDocuments returns the documents that exist among ids, keyed by ID.
func (s *SQLiteStorage) GetDocuments(ctx context.Context, ids []string) (map[string]*models.Document, error) {
	out := make(map[string]*models.Document, len(ids))
	for start := 0; start < len(ids); start += maxParams {
		end := min(start+maxParams, len(ids))
		batch := ids[start:end]
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+docColumns+` FROM documents WHERE doc_id IN (`+placeholders(len(batch))+`)`,
			toArgs(batch)...)
		if err != nil {
			return nil, classify(s.path, err)
		}
		docs, err := scanDocuments(rows)
		if err != nil {
			return nil, classify(s.path, err)
		}
		for _, d := range docs {
			out[d.ID] = d
		}
	}
	return out, nil
}

// SessionDocuments returns a session's documents by ascending timestamp, ties by file order.
func (s *SQLiteStorage) SessionDocuments(ctx context.Context, sessionID string) ([]*models.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+docColumns+` FROM documents WHERE session_id = ?
		 ORDER BY ts ASC, source_path ASC, record_offset ASC`, sessionID)
	if err != nil {
		return nil, classify(s.path, err)
	}
	docs, err := scanDocuments(rows)
	if err != nil {
		return nil, classify(s.path, err)
	}
	if len(docs) == 0 {
		return nil, merrors.NotFound("session", sessionID)
	}
	return docs, nil
}

// RecentDocuments returns the newest documents matching filter.
func (s *SQLiteStorage) RecentDocuments(ctx context.Context, filter DocumentFilter, limit int) ([]*models.Document, error) {
	where, args := filter.clause()
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+docColumns+` FROM documents`+where+` ORDER BY ts DESC, doc_id ASC LIMIT ?`, args...)
	if err != nil {
		return nil, classify(s.path, err)
	}
	docs, err := scanDocuments(rows)
	if err != nil {
		return nil, classify(s.path, err)
	}
	return docs, nil
}

// Projects returns the distinct non-empty project names, optionally for one source.
func (s *SQLiteStorage) Projects(ctx context.Context, source models.Source) ([]string, error) {
	query := `SELECT DISTINCT project FROM documents WHERE project != ''`
	var args []interface{}
	if source != "" {
		query += ` AND source = ?`
		args = append(args, string(source))
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY project`, args...)
	if err != nil {
		return nil, classify(s.path, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountDocuments returns the number of documents.
func (s *SQLiteStorage) CountDocuments(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&n)
	return n, classify(s.path, err)
}

// CorpusStats returns the document count and total token length.
func (s *SQLiteStorage) CorpusStats(ctx context.Context) (CorpusStats, error) {
	var c CorpusStats
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(token_count), 0) FROM documents").Scan(&c.Documents, &c.TotalTokens)
	return c, classify(s.path, err)
}

// Postings returns the posting list for each term that has one.
func (s *SQLiteStorage) Postings(ctx context.Context, terms []string) (map[string][]Posting, error) {
	terms = dedupe(terms)
	out := make(map[string][]Posting, len(terms))
	for start := 0; start < len(terms); start += maxParams {
		end := min(start+maxParams, len(terms))
		batch := terms[start:end]
		rows, err := s.db.QueryContext(ctx,
			`SELECT p.term, p.doc_id, p.tf, d.token_count
			 FROM postings p JOIN documents d ON d.doc_id = p.doc_id
			 WHERE p.term IN (`+placeholders(len(batch))+`)`, toArgs(batch)...)
		if err != nil {
			return nil, classify(s.path, err)
		}
		for rows.Next() {
			var term string
			var p Posting
			if err := rows.Scan(&term, &p.DocID, &p.TF, &p.DocLen); err != nil {
				rows.Close()
				return nil, err
			}
			out[term] = append(out[term], p)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, classify(s.path, err)
		}
	}
	return out, nil
}

// Terms returns the document frequency of every term with a length in [minLen, maxLen].
func (s *SQLiteStorage) Terms(ctx context.Context, minLen, maxLen int) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT term, COUNT(*) FROM postings WHERE length(CAST(term AS BLOB)) BETWEEN ? AND ? GROUP BY term`,
		minLen, maxLen)
	if err != nil {
		return nil, classify(s.path, err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var term string
		var df int
		if err := rows.Scan(&term, &df); err != nil {
			return nil, err
		}
		out[term] = df
	}
	return out, classify(s.path, rows.Err())
}

// ForEachEmbedding calls fn for every stored vector of model, in doc_id order.
func (s *SQLiteStorage) ForEachEmbedding(ctx context.Context, model models.ModelKind, fn func(docID string, vec []float32) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc_id, dims, vector FROM embeddings WHERE model = ? ORDER BY doc_id`, string(model))
	if err != nil {
		return classify(s.path, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   string
			dims int
			blob []byte
		)
		if err := rows.Scan(&id, &dims, &blob); err != nil {
			return err
		}
		if len(blob) != dims*4 {
			return merrors.Corruption(s.path, fmt.Errorf("embedding %s/%s: blob has %d bytes for %d dims", id, model, len(blob), dims))
		}
		if err := fn(id, utils.BytesToFloat32s(blob)); err != nil {
			return err
		}
	}
	return classify(s.path, rows.Err())
}

// StaleEmbeddings returns up to limit documents after afterID (by doc_id) that have no
// current embedding for model: missing, computed from older content, or of the wrong size.
func (s *SQLiteStorage) StaleEmbeddings(ctx context.Context, model models.ModelKind, afterID string, limit int) ([]*models.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.doc_id, d.session_id, d.project, d.role, d.tool, d.source, d.ts, d.text,
		        d.source_path, d.record_offset, d.content_hash, d.indexed_at
		 FROM documents d
		 LEFT JOIN embeddings e ON e.doc_id = d.doc_id AND e.model = ?
		 WHERE d.doc_id > ? AND (e.doc_id IS NULL OR e.content_hash != d.content_hash OR e.dims != ?)
		 ORDER BY d.doc_id LIMIT ?`,
		string(model), afterID, model.Dimensions(), limit)
	if err != nil {
		return nil, classify(s.path, err)
	}
	docs, err := scanDocuments(rows)
	if err != nil {
		return nil, classify(s.path, err)
	}
	return docs, nil
}

// CountEmbeddings returns the number of stored vectors for model.
func (s *SQLiteStorage) CountEmbeddings(ctx context.Context, model models.ModelKind) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM embeddings WHERE model = ?", string(model)).Scan(&n)
	return n, classify(s.path, err)
}

// ScanStates returns every scan cache entry keyed by source path.
func (s *SQLiteStorage) ScanStates(ctx context.Context) (map[string]*models.ScanState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_path, size, mod_time, content_hash, last_scanned_at FROM scan_state`)
	if err != nil {
		return nil, classify(s.path, err)
	}
	defer rows.Close()
	out := make(map[string]*models.ScanState)
	for rows.Next() {
		var st models.ScanState
		var mod, scanned int64
		if err := rows.Scan(&st.SourcePath, &st.Size, &mod, &st.ContentHash, &scanned); err != nil {
			return nil, err
		}
		st.ModTime = fromMillis(mod)
		st.LastScannedAt = fromMillis(scanned)
		out[st.SourcePath] = &st
	}
	return out, classify(s.path, rows.Err())
}

// Metadata returns registered models, counts, the last full rebuild time and the vector generation.
func (s *SQLiteStorage) Metadata(ctx context.Context) (*models.IndexMetadata, error) {
	meta := &models.IndexMetadata{
		Models:    make(map[models.ModelKind]int),
		Embedders: make(map[models.ModelKind]string),
	}
	rows, err := s.db.QueryContext(ctx, `SELECT model, dims, embedder FROM models`)
	if err != nil {
		return nil, classify(s.path, err)
	}
	for rows.Next() {
		var m, embedder string
		var dims int
		if err := rows.Scan(&m, &dims, &embedder); err != nil {
			rows.Close()
			return nil, err
		}
		meta.Models[models.ModelKind(m)] = dims
		meta.Embedders[models.ModelKind(m)] = embedder
	}
	rows.Close()

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT session_id) FROM documents`).Scan(&meta.DocumentCount, &meta.SessionCount); err != nil {
		return nil, classify(s.path, err)
	}
	if v, err := s.metaValue(ctx, metaLastFullRebuild); err != nil {
		return nil, err
	} else if v != "" {
		ms, _ := strconv.ParseInt(v, 10, 64)
		meta.LastFullRebuild = fromMillis(ms)
	}
	if v, err := s.metaValue(ctx, metaVectorGeneration); err != nil {
		return nil, err
	} else if v != "" {
		meta.VectorGeneration, _ = strconv.ParseUint(v, 10, 64)
	}
	return meta, nil
}

func (s *SQLiteStorage) metaValue(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, classify(s.path, err)
}

// Update runs fn inside one write transaction and commits it atomically.
func (s *SQLiteStorage) Update(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(s.path, fmt.Errorf("begin transaction: %w", err))
	}
	tx := &sqliteTx{ctx: ctx, tx: sqlTx, now: s.now}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if tx.vectorsDirty {
		if err := tx.bumpVectorGeneration(); err != nil {
			_ = sqlTx.Rollback()
			return err
		}
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(s.path, fmt.Errorf("commit: %w", err))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var (
		doc          models.Document
		role, source string
		ts, indexed  int64
	)
	err := row.Scan(&doc.ID, &doc.SessionID, &doc.Project, &role, &doc.Tool, &source, &ts,
		&doc.Text, &doc.SourcePath, &doc.Offset, &doc.ContentHash, &indexed)
	if err != nil {
		return nil, err
	}
	doc.Role = models.Role(role)
	doc.Source = models.Source(source)
	doc.Timestamp = fromMillis(ts)
	doc.IndexedAt = fromMillis(indexed)
	return &doc, nil
}

func scanDocuments(rows *sql.Rows) ([]*models.Document, error) {
	defer rows.Close()
	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (f DocumentFilter) clause() (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		conds = append(conds, cond)
		args = append(args, arg)
	}
	if f.Project != "" {
		add("project = ?", f.Project)
	}
	if f.Role != "" {
		add("role = ?", string(f.Role))
	}
	if f.Tool != "" {
		add("tool = ?", f.Tool)
	}
	if f.SessionID != "" {
		add("session_id = ?", f.SessionID)
	}
	if f.Source != "" {
		add("source = ?", string(f.Source))
	}
	if f.Since != nil {
		add("ts >= ?", toMillis(*f.Since))
	}
	if f.Until != nil {
		add("ts <= ?", toMillis(*f.Until))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// classify maps SQLite corruption errors to StorageCorruption and busy errors to
// LockContention; other errors pass through.
func classify(path string, err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return merrors.Corruption(path, err)
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return merrors.LockContention(path, err)
		}
	}
	msg := err.Error()
	if strings.Contains(msg, "malformed") || strings.Contains(msg, "not a database") {
		return merrors.Corruption(path, err)
	}
	return err
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func toArgs(ss []string) []interface{} {
	args := make([]interface{}, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}

func dedupe(ss []string) []string {
	seen := make(map[string]struct{}, len(ss))
	out := ss[:0:0]
	for _, s := range ss {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
