package models

import "time"

// Match is one query-term occurrence inside a result's text.
type Match struct {
	Offset int    `json:"offset"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// SearchResult is a single hit with its document and score components.
type SearchResult struct {
	Document      *Document `json:"document"`
	Score         float64   `json:"score"`
	LexicalScore  float64   `json:"lexical_score"`
	SemanticScore float64   `json:"semantic_score"`
	LexicalRank   int       `json:"lexical_rank,omitempty"`
	SemanticRank  int       `json:"semantic_rank,omitempty"`
	Snippet       string    `json:"snippet"`
	Matches       []Match   `json:"matches"`
}

// SearchResponse is the response for a search request.
type SearchResponse struct {
	Query     string          `json:"query"`
	Mode      SearchMode      `json:"mode"`
	Model     ModelKind       `json:"model,omitempty"`
	Results   []*SearchResult `json:"results"`
	Warnings  []string        `json:"warnings,omitempty"`
	QueryTime int64           `json:"query_time_ms"`
}

// Age returns the age of the result's document at now in fractional days.
func (r *SearchResult) Age(now time.Time) float64 {
	if r.Document == nil || r.Document.Timestamp.IsZero() {
		return 0
	}
	return now.Sub(r.Document.Timestamp).Hours() / 24
}
