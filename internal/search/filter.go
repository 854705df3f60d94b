package search

import (
	"sort"

	"github.com/nicosuave/memex/internal/models"
)

// PassesFilters reports whether doc passes the document filters of q. The score
// filter is applied separately because it needs the final score.
func PassesFilters(doc *models.Document, q *models.SearchQuery) bool {
	switch {
	case q.Project != "" && doc.Project != q.Project:
		return false
	case q.Role != "" && doc.Role != q.Role:
		return false
	case q.Tool != "" && doc.Tool != q.Tool:
		return false
	case q.SessionID != "" && doc.SessionID != q.SessionID:
		return false
	case q.Source != "" && doc.Source != q.Source:
		return false
	case q.Since != nil && doc.Timestamp.Before(*q.Since):
		return false
	case q.Until != nil && doc.Timestamp.After(*q.Until):
		return false
	}
	return true
}

// byScore orders by score descending, then timestamp descending, then doc_id.
func byScore(a, b *models.SearchResult) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return byTime(a, b)
}

// byTime orders newest first, then by doc_id.
func byTime(a, b *models.SearchResult) bool {
	if !a.Document.Timestamp.Equal(b.Document.Timestamp) {
		return a.Document.Timestamp.After(b.Document.Timestamp)
	}
	return a.Document.ID < b.Document.ID
}

// TopNPerSession keeps the n best results of each session. n <= 0 keeps all.
// The input order is not preserved.
func TopNPerSession(results []*models.SearchResult, n int) []*models.SearchResult {
	if n <= 0 {
		return results
	}
	sort.SliceStable(results, func(i, j int) bool { return byScore(results[i], results[j]) })
	counts := make(map[string]int)
	out := results[:0]
	for _, r := range results {
		sid := r.Document.SessionID
		if counts[sid] >= n {
			continue
		}
		counts[sid]++
		out = append(out, r)
	}
	return out
}

// SortResults orders results in place.
func SortResults(results []*models.SearchResult, order models.SortOrder) {
	less := byScore
	if order == models.SortTime {
		less = byTime
	}
	sort.SliceStable(results, func(i, j int) bool { return less(results[i], results[j]) })
}
