package keyword

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/nicosuave/memex/internal/models"
	"github.com/nicosuave/memex/internal/storage"
	"go.uber.org/zap"
)

// Default BM25 parameters.
const (
	DefaultK1 = 1.2
	DefaultB  = 0.75
)

// Score is the BM25 contribution of one term to one document.
func Score(tf, df int, n int64, dl int, avgdl, k1, b float64) float64 {
	if tf <= 0 || df <= 0 || n <= 0 {
		return 0
	}
	idf := math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
	norm := 1.0
	if avgdl > 0 {
		norm = 1 - b + b*float64(dl)/avgdl
	}
	ftf := float64(tf)
	return idf * (ftf * (k1 + 1)) / (ftf + k1*norm)
}

// BM25Index implements KeywordIndex with postings kept in the document store, so
// posting updates commit in the same transaction as the documents they describe.
type BM25Index struct {
	store     storage.Storage
	tokenizer *Tokenizer
	k1        float64
	b         float64
	logger    *zap.Logger
}

// Option configures a BM25Index.
type Option func(*BM25Index)

// WithParams overrides k1 and b. Non-positive values keep the defaults.
func WithParams(k1, b float64) Option {
	return func(idx *BM25Index) {
		if k1 > 0 {
			idx.k1 = k1
		}
		if b > 0 {
			idx.b = b
		}
	}
}

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(idx *BM25Index) { idx.logger = l }
}

// NewBM25Index creates a BM25 index reading postings from store.
func NewBM25Index(store storage.Storage, tokenizer *Tokenizer, opts ...Option) *BM25Index {
	idx := &BM25Index{
		store:     store,
		tokenizer: tokenizer,
		k1:        DefaultK1,
		b:         DefaultB,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Tokenizer returns the tokenizer shared by indexing and querying.
func (idx *BM25Index) Tokenizer() *Tokenizer {
	return idx.tokenizer
}

// IndexDocument tokenizes doc and replaces its postings.
func (idx *BM25Index) IndexDocument(tx storage.Tx, doc *models.Document) error {
	freqs, length := idx.tokenizer.TermFrequencies(doc.Text)
	if err := tx.SetPostings(doc.ID, length, freqs); err != nil {
		return fmt.Errorf("index postings for %s: %w", doc.ID, err)
	}
	return nil
}

// Search scores every document containing a query term.
func (idx *BM25Index) Search(ctx context.Context, query string, limit int) ([]*KeywordResult, int, error) {
	terms := idx.tokenizer.Terms(query)
	if len(terms) == 0 {
		return nil, 0, nil
	}
	stats, err := idx.store.CorpusStats(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("corpus stats: %w", err)
	}
	if stats.Documents == 0 {
		return nil, 0, nil
	}
	postings, err := idx.store.Postings(ctx, terms)
	if err != nil {
		return nil, 0, fmt.Errorf("load postings: %w", err)
	}

	avgdl := stats.AvgDocLen()
	scores := make(map[string]float64)
	for _, term := range terms {
		list := postings[term]
		df := len(list)
		for _, p := range list {
			scores[p.DocID] += Score(p.TF, df, stats.Documents, p.DocLen, avgdl, idx.k1, idx.b)
		}
	}

	results := make([]*KeywordResult, 0, len(scores))
	for id, s := range scores {
		results = append(results, &KeywordResult{ID: id, Score: s})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	total := len(results)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	idx.logger.Debug("bm25 search",
		zap.Strings("terms", terms),
		zap.Int("matched", total),
		zap.Int("returned", len(results)))
	return results, total, nil
}
