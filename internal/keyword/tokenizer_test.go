package keyword

import (
	"reflect"
	"testing"
)

func newTestTokenizer(t *testing.T) *Tokenizer {
	t.Helper()
	tok, err := NewTokenizer()
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestTokenizer_Tokens(t *testing.T) {
	tok := newTestTokenizer(t)
	text := "Hello, World"
	got := tok.Tokens(text)
	want := []Token{{Term: "hello", Start: 0, End: 5}, {Term: "world", Start: 7, End: 12}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Tokens(%q) = %+v, want %+v", text, got, want)
	}
	for _, g := range got {
		if text[g.Start:g.End] == "" {
			t.Errorf("empty span for %q", g.Term)
		}
	}
}

func TestTokenizer_StopWordsAndCase(t *testing.T) {
	tok := newTestTokenizer(t)
	got := tok.Terms("The QUICK fox and the quick dog")
	want := []string{"quick", "fox", "dog"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Terms = %v, want %v", got, want)
	}
	if terms := tok.Terms(""); len(terms) != 0 {
		t.Errorf("empty text produced %v", terms)
	}
}

func TestTokenizer_TermFrequencies(t *testing.T) {
	tok := newTestTokenizer(t)
	freqs, length := tok.TermFrequencies("sqlite sqlite wal mode")
	if length != 4 || freqs["sqlite"] != 2 || freqs["wal"] != 1 {
		t.Errorf("freqs = %v, length = %d", freqs, length)
	}
}
