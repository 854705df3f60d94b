// Package keyword provides the BM25 lexical index over the document store.
package keyword

import (
	"context"

	"github.com/nicosuave/memex/internal/models"
	"github.com/nicosuave/memex/internal/storage"
)

// KeywordIndex defines lexical indexing and search operations.
type KeywordIndex interface {
	// IndexDocument replaces the postings of doc inside tx.
	IndexDocument(tx storage.Tx, doc *models.Document) error
	// Search returns up to limit results by score descending, ties by doc_id ascending,
	// and the total number of documents that matched at least one query term.
	Search(ctx context.Context, query string, limit int) ([]*KeywordResult, int, error)
}

// KeywordResult is a single keyword search hit.
type KeywordResult struct {
	ID    string
	Score float64
}

// TermDictionary lists indexed terms with their document frequencies.
type TermDictionary interface {
	Terms(ctx context.Context, minLen, maxLen int) (map[string]int, error)
}
