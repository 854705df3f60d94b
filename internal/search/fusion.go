// Package search provides the query engine: candidate generation, rank fusion,
// recency weighting, filtering, per-session grouping and result excerpts.
package search

import (
	"math"
	"sort"

	"github.com/nicosuave/memex/internal/keyword"
	"github.com/nicosuave/memex/internal/vector"
)

// DefaultRRFK is the reciprocal rank fusion constant.
const DefaultRRFK = 60

// Candidate is a document scored by one or both generators. Ranks are 1-based;
// 0 means the document was not in that list.
type Candidate struct {
	DocID         string
	Score         float64
	LexicalScore  float64
	SemanticScore float64
	LexicalRank   int
	SemanticRank  int
}

// LexicalCandidates converts BM25 results into candidates scored by BM25.
func LexicalCandidates(results []*keyword.KeywordResult) []*Candidate {
	out := make([]*Candidate, len(results))
	for i, r := range results {
		out[i] = &Candidate{DocID: r.ID, Score: r.Score, LexicalScore: r.Score, LexicalRank: i + 1}
	}
	return out
}

// SemanticCandidates converts vector results into candidates scored by cosine similarity.
func SemanticCandidates(results []*vector.VectorResult) []*Candidate {
	out := make([]*Candidate, len(results))
	for i, r := range results {
		out[i] = &Candidate{DocID: r.ID, Score: r.Score, SemanticScore: r.Score, SemanticRank: i + 1}
	}
	return out
}

// FuseRRF merges the two ranked lists with reciprocal rank fusion: each list that
// contains a document adds 1/(rank+k). Results are sorted by fused score
// descending, ties by doc_id.
func FuseRRF(lexical []*keyword.KeywordResult, semantic []*vector.VectorResult, k float64) []*Candidate {
	if k <= 0 {
		k = DefaultRRFK
	}
	byID := make(map[string]*Candidate, len(lexical)+len(semantic))
	get := func(id string) *Candidate {
		c, ok := byID[id]
		if !ok {
			c = &Candidate{DocID: id}
			byID[id] = c
		}
		return c
	}
	for i, r := range lexical {
		c := get(r.ID)
		c.LexicalRank = i + 1
		c.LexicalScore = r.Score
		c.Score += 1 / (float64(c.LexicalRank) + k)
	}
	for i, r := range semantic {
		c := get(r.ID)
		c.SemanticRank = i + 1
		c.SemanticScore = r.Score
		c.Score += 1 / (float64(c.SemanticRank) + k)
	}
	out := make([]*Candidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocID < out[j].DocID
	})
	return out
}

// RecencyFactor is exp(-ln2 * age/halfLife): 1 for a new document, 0.5 at one
// half-life. Negative ages count as zero. A non-positive half-life disables decay.
func RecencyFactor(ageDays, halfLifeDays float64) float64 {
	if halfLifeDays <= 0 {
		return 1
	}
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-math.Ln2 * ageDays / halfLifeDays)
}

// ApplyRecency blends base with its decayed value: (1-w)*base + w*base*factor.
// With w = 0 the base score is returned unchanged.
func ApplyRecency(base, ageDays, weight, halfLifeDays float64) float64 {
	if weight == 0 {
		return base
	}
	return (1-weight)*base + weight*base*RecencyFactor(ageDays, halfLifeDays)
}
