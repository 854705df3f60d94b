package search

import (
	"strings"
	"unicode/utf8"

	"github.com/nicosuave/memex/internal/keyword"
	"github.com/nicosuave/memex/internal/models"
	"github.com/nicosuave/memex/pkg/utils"
)

const (
	// SnippetLength is the maximum snippet length in characters.
	SnippetLength = 160
	// MatchContext is the number of characters kept on each side of a match.
	MatchContext = 40
	// MaxMatches caps the matches reported per result.
	MaxMatches = 10
)

// Highlighter builds snippets and match excerpts with the index tokenizer, so
// that a term matches in the excerpt exactly when it matched in the index.
type Highlighter struct {
	tokenizer *keyword.Tokenizer
}

// NewHighlighter creates a highlighter.
func NewHighlighter(tokenizer *keyword.Tokenizer) *Highlighter {
	return &Highlighter{tokenizer: tokenizer}
}

// QueryTerms returns the distinct analyzed terms of query.
func (h *Highlighter) QueryTerms(query string) map[string]bool {
	terms := make(map[string]bool)
	for _, t := range h.tokenizer.Terms(query) {
		terms[t] = true
	}
	return terms
}

func (h *Highlighter) hits(text string, terms map[string]bool) []keyword.Token {
	if len(terms) == 0 {
		return nil
	}
	var out []keyword.Token
	for _, tok := range h.tokenizer.Tokens(text) {
		if terms[tok.Term] {
			out = append(out, tok)
		}
	}
	return out
}

// Snippet returns a single-line excerpt of at most SnippetLength characters
// centered on the window that holds the most distinct query terms, the earliest
// such window on ties. Without a match it summarizes the start of text.
// Positions are measured in runes of the whitespace-collapsed text.
func (h *Highlighter) Snippet(text string, terms map[string]bool) string {
	flat := utils.CollapseSpace(text)
	hits := h.hits(flat, terms)
	runes := []rune(flat)
	if len(hits) == 0 || len(runes) <= SnippetLength {
		return utils.Summarize(flat, SnippetLength)
	}

	// Rune offsets of each hit.
	starts := make([]int, len(hits))
	ends := make([]int, len(hits))
	pos, at := 0, 0
	for i, tok := range hits {
		pos += utf8.RuneCountInString(flat[at:tok.Start])
		starts[i] = pos
		pos += utf8.RuneCountInString(flat[tok.Start:tok.End])
		ends[i] = pos
		at = tok.End
	}

	// The window must fit between a leading and a trailing "...".
	const window = SnippetLength - 6
	bestStart, bestEnd, bestDistinct := 0, 0, -1
	for i := range hits {
		seen := make(map[string]bool)
		end := ends[i]
		for j := i; j < len(hits) && ends[j]-starts[i] <= window; j++ {
			seen[hits[j].Term] = true
			end = ends[j]
		}
		if len(seen) > bestDistinct {
			bestStart, bestEnd, bestDistinct = starts[i], end, len(seen)
		}
	}

	pad := max((window-(bestEnd-bestStart))/2, 0)
	lo := bestStart - pad
	if lo <= 0 {
		return utils.Summarize(flat, SnippetLength)
	}
	body := runes[lo:]
	if len(body) <= SnippetLength-3 {
		return "..." + string(body)
	}
	return "..." + strings.TrimSpace(string(body[:SnippetLength-6])) + "..."
}

// Matches returns every query term occurrence, at most MaxMatches, with up to
// MatchContext characters before and after it. Offsets are byte offsets into text.
func (h *Highlighter) Matches(text string, terms map[string]bool) []models.Match {
	hits := h.hits(text, terms)
	if len(hits) > MaxMatches {
		hits = hits[:MaxMatches]
	}
	out := make([]models.Match, 0, len(hits))
	for _, tok := range hits {
		out = append(out, models.Match{
			Offset: tok.Start,
			Before: utils.CollapseSpace(lastRunes(text[:tok.Start], MatchContext)),
			After:  utils.CollapseSpace(firstRunes(text[tok.End:], MatchContext)),
		})
	}
	return out
}

func lastRunes(s string, n int) string {
	i := len(s)
	for count := 0; i > 0 && count < n; count++ {
		_, size := utf8.DecodeLastRuneInString(s[:i])
		i -= size
	}
	return s[i:]
}

func firstRunes(s string, n int) string {
	i := 0
	for count := 0; i < len(s) && count < n; count++ {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return s[:i]
}
