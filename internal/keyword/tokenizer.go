package keyword

import (
	"fmt"

	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/registry"
)

// Token is one analyzed term with its byte span in the original text.
type Token struct {
	Term  string
	Start int
	End   int
}

// Tokenizer wraps the bleve standard analyzer: unicode word segmentation, lower
// casing and English stop word removal. The same tokenizer must be used for
// documents and queries.
type Tokenizer struct {
	analyzer analysis.Analyzer
}

// NewTokenizer builds the standard analyzer from the bleve registry.
func NewTokenizer() (*Tokenizer, error) {
	analyzer, err := registry.NewCache().AnalyzerNamed(standard.Name)
	if err != nil {
		return nil, fmt.Errorf("load %s analyzer: %w", standard.Name, err)
	}
	return &Tokenizer{analyzer: analyzer}, nil
}

// Tokens analyzes text.
func (t *Tokenizer) Tokens(text string) []Token {
	if text == "" {
		return nil
	}
	stream := t.analyzer.Analyze([]byte(text))
	out := make([]Token, 0, len(stream))
	for _, tok := range stream {
		if len(tok.Term) == 0 {
			continue
		}
		out = append(out, Token{Term: string(tok.Term), Start: tok.Start, End: tok.End})
	}
	return out
}

// Terms returns the distinct terms of text in first-occurrence order.
func (t *Tokenizer) Terms(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range t.Tokens(text) {
		if !seen[tok.Term] {
			seen[tok.Term] = true
			out = append(out, tok.Term)
		}
	}
	return out
}

// TermFrequencies returns the frequency of each term and the document length in tokens.
func (t *Tokenizer) TermFrequencies(text string) (map[string]int, int) {
	tokens := t.Tokens(text)
	freqs := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		freqs[tok.Term]++
	}
	return freqs, len(tokens)
}
