// Package storage defines the persistence interface for the memex corpus.
//
// One SQLite database holds documents, lexical postings, embeddings, scan state
// and index metadata, so that a whole indexing pass commits atomically.
package storage

import (
	"context"
	"time"

	"github.com/nicosuave/memex/internal/models"
)

// Storage is the read side of the corpus. Reads observe the last committed state.
type Storage interface {
	// Documents
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	GetDocuments(ctx context.Context, ids []string) (map[string]*models.Document, error)
	SessionDocuments(ctx context.Context, sessionID string) ([]*models.Document, error)
	RecentDocuments(ctx context.Context, filter DocumentFilter, limit int) ([]*models.Document, error)
	Projects(ctx context.Context, source models.Source) ([]string, error)
	CountDocuments(ctx context.Context) (int64, error)

	// Lexical postings
	CorpusStats(ctx context.Context) (CorpusStats, error)
	Postings(ctx context.Context, terms []string) (map[string][]Posting, error)
	// Terms returns the document frequency of every indexed term whose length in
	// bytes lies in [minLen, maxLen].
	Terms(ctx context.Context, minLen, maxLen int) (map[string]int, error)

	// Embeddings
	ForEachEmbedding(ctx context.Context, model models.ModelKind, fn func(docID string, vec []float32) error) error
	StaleEmbeddings(ctx context.Context, model models.ModelKind, afterID string, limit int) ([]*models.Document, error)
	CountEmbeddings(ctx context.Context, model models.ModelKind) (int64, error)

	// Scan state and metadata
	ScanStates(ctx context.Context) (map[string]*models.ScanState, error)
	Metadata(ctx context.Context) (*models.IndexMetadata, error)

	// Update runs fn in a single write transaction. Nothing fn writes is visible
	// to readers unless fn returns nil and the commit succeeds.
	Update(ctx context.Context, fn func(tx Tx) error) error

	Path() string
	Close() error
}

// Tx is the write side, valid only inside Update.
type Tx interface {
	UpsertDocument(doc *models.Document) (UpsertResult, error)
	DeleteDocument(id string) (bool, error)
	SourceDocumentIDs(sourcePath string) ([]string, error)
	SetPostings(docID string, length int, termFreqs map[string]int) error

	PutEmbedding(rec *models.EmbeddingRecord) error
	RegisterModel(model models.ModelKind, dims int, embedder string) error

	PutScanState(state *models.ScanState) error
	DeleteScanState(sourcePath string) error

	// Clear removes every document, posting, embedding and scan state entry.
	Clear() error
}

// UpsertResult reports what UpsertDocument did.
type UpsertResult int

const (
	Unchanged UpsertResult = iota
	Inserted
	Updated
)

func (r UpsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// Posting is one entry of a term's posting list, with the document's token length.
type Posting struct {
	DocID  string
	TF     int
	DocLen int
}

// CorpusStats are the collection-wide numbers BM25 needs.
type CorpusStats struct {
	Documents   int64
	TotalTokens int64
}

// AvgDocLen returns the average document length in tokens.
func (c CorpusStats) AvgDocLen() float64 {
	if c.Documents == 0 {
		return 0
	}
	return float64(c.TotalTokens) / float64(c.Documents)
}

// DocumentFilter restricts RecentDocuments. Zero fields do not filter.
type DocumentFilter struct {
	Project   string
	Role      models.Role
	Tool      string
	SessionID string
	Source    models.Source
	Since     *time.Time
	Until     *time.Time
}
