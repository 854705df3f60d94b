package keyword

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Suggestion is a dictionary term close to a query term.
type Suggestion struct {
	Term      string
	Distance  int
	Frequency int
	Score     float64
}

// Correction is the result of checking a query against the term dictionary.
type Correction struct {
	Query      string
	Corrected  string
	Misspelled []string
	// Suggestions holds the best suggestion for each misspelled term, in query order.
	Suggestions []Suggestion
}

// HasCorrections reports whether any term was replaced.
func (c *Correction) HasCorrections() bool {
	return len(c.Suggestions) > 0
}

// Suggester proposes "did you mean" rewrites for queries whose terms are not indexed.
type Suggester struct {
	dict        TermDictionary
	tokenizer   *Tokenizer
	maxDistance int
	minFreq     int
}

// SuggesterOption configures a Suggester.
type SuggesterOption func(*Suggester)

// WithMaxDistance sets the maximum edit distance for suggestions.
func WithMaxDistance(d int) SuggesterOption {
	return func(s *Suggester) {
		if d > 0 {
			s.maxDistance = d
		}
	}
}

// WithMinFrequency ignores dictionary terms found in fewer than f documents.
func WithMinFrequency(f int) SuggesterOption {
	return func(s *Suggester) {
		if f >= 0 {
			s.minFreq = f
		}
	}
}

// NewSuggester creates a suggester over dict.
func NewSuggester(dict TermDictionary, tokenizer *Tokenizer, opts ...SuggesterOption) *Suggester {
	s := &Suggester{dict: dict, tokenizer: tokenizer, maxDistance: 2, minFreq: 1}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Check tokenizes query and replaces each unknown term by its best-scoring neighbour.
// Terms shorter than four bytes are never corrected.
func (s *Suggester) Check(ctx context.Context, query string) (*Correction, error) {
	terms := s.tokenizer.Terms(query)
	result := &Correction{Query: query}
	if len(terms) == 0 {
		result.Corrected = query
		return result, nil
	}
	minLen, maxLen := len(terms[0]), len(terms[0])
	for _, t := range terms[1:] {
		minLen = min(minLen, len(t))
		maxLen = max(maxLen, len(t))
	}
	dict, err := s.dict.Terms(ctx, max(1, minLen-s.maxDistance), maxLen+s.maxDistance)
	if err != nil {
		return nil, fmt.Errorf("load term dictionary: %w", err)
	}

	corrected := make([]string, 0, len(terms))
	for _, term := range terms {
		if _, ok := dict[term]; ok || len(term) < 4 {
			corrected = append(corrected, term)
			continue
		}
		best := s.suggest(term, dict)
		if len(best) == 0 {
			corrected = append(corrected, term)
			continue
		}
		result.Misspelled = append(result.Misspelled, term)
		result.Suggestions = append(result.Suggestions, best[0])
		corrected = append(corrected, best[0].Term)
	}
	result.Corrected = strings.Join(corrected, " ")
	return result, nil
}

// suggest ranks the dictionary terms within maxDistance of term, closest and most
// frequent first.
func (s *Suggester) suggest(term string, dict map[string]int) []Suggestion {
	var out []Suggestion
	for cand, freq := range dict {
		if freq < s.minFreq || cand == term {
			continue
		}
		diff := len(cand) - len(term)
		if diff < 0 {
			diff = -diff
		}
		if diff > s.maxDistance {
			continue
		}
		d := editDistance(term, cand)
		if d > s.maxDistance {
			continue
		}
		out = append(out, Suggestion{
			Term:      cand,
			Distance:  d,
			Frequency: freq,
			Score:     float64(freq) / float64(d+1),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Term < out[j].Term
	})
	return out
}

// editDistance is the Levenshtein distance between a and b counted in runes.
func editDistance(a, b string) int {
	if a == b {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}
