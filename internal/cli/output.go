// Package cli formats search output for the memex command line.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nicosuave/memex/internal/models"
)

// Default result keys, in emission order.
var (
	ResultFields  = []string{"doc_id", "ts", "session_id", "project", "role", "tool", "source", "source_path", "text", "snippet", "matches", "score"}
	VerboseFields = []string{"lexical_score", "semantic_score", "lexical_rank", "semantic_rank"}
	SessionFields = []string{"session_id", "project", "source", "last_ts", "hit_count", "top_score", "snippet", "source_path"}
)

var resultGetters = map[string]func(*models.SearchResult) interface{}{
	"doc_id":         func(r *models.SearchResult) interface{} { return r.Document.ID },
	"ts":             func(r *models.SearchResult) interface{} { return FormatTime(r.Document.Timestamp) },
	"session_id":     func(r *models.SearchResult) interface{} { return r.Document.SessionID },
	"project":        func(r *models.SearchResult) interface{} { return r.Document.Project },
	"role":           func(r *models.SearchResult) interface{} { return r.Document.Role },
	"tool":           func(r *models.SearchResult) interface{} { return nullable(r.Document.Tool) },
	"source":         func(r *models.SearchResult) interface{} { return r.Document.Source },
	"source_path":    func(r *models.SearchResult) interface{} { return r.Document.SourcePath },
	"offset":         func(r *models.SearchResult) interface{} { return r.Document.Offset },
	"text":           func(r *models.SearchResult) interface{} { return r.Document.Text },
	"snippet":        func(r *models.SearchResult) interface{} { return r.Snippet },
	"matches":        func(r *models.SearchResult) interface{} { return matchesOrEmpty(r.Matches) },
	"score":          func(r *models.SearchResult) interface{} { return r.Score },
	"lexical_score":  func(r *models.SearchResult) interface{} { return r.LexicalScore },
	"semantic_score": func(r *models.SearchResult) interface{} { return r.SemanticScore },
	"lexical_rank":   func(r *models.SearchResult) interface{} { return rankOrNull(r.LexicalRank) },
	"semantic_rank":  func(r *models.SearchResult) interface{} { return rankOrNull(r.SemanticRank) },
}

var sessionGetters = map[string]func(*models.SessionSummary) interface{}{
	"session_id":  func(s *models.SessionSummary) interface{} { return s.SessionID },
	"project":     func(s *models.SessionSummary) interface{} { return s.Project },
	"source":      func(s *models.SessionSummary) interface{} { return s.Source },
	"last_ts":     func(s *models.SessionSummary) interface{} { return FormatTime(s.LastTS) },
	"hit_count":   func(s *models.SessionSummary) interface{} { return s.HitCount },
	"top_score":   func(s *models.SessionSummary) interface{} { return s.TopScore },
	"snippet":     func(s *models.SessionSummary) interface{} { return s.Snippet },
	"source_path": func(s *models.SessionSummary) interface{} { return s.SourcePath },
}

// Options controls how results are written.
type Options struct {
	// Fields restricts and orders the emitted keys. Empty means the defaults.
	Fields []string
	// Verbose appends score components to the default keys.
	Verbose bool
	// JSONArray writes one array instead of one object per line.
	JSONArray bool
}

// Record is a JSON object whose keys keep insertion order.
type Record struct {
	keys   []string
	values map[string]interface{}
}

// Set adds or replaces key.
func (r *Record) Set(key string, value interface{}) {
	if r.values == nil {
		r.values = make(map[string]interface{})
	}
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
}

// Get returns the value stored for key.
func (r *Record) Get(key string) (interface{}, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Keys returns the keys in emission order.
func (r *Record) Keys() []string {
	return append([]string(nil), r.keys...)
}

// MarshalJSON writes the keys in insertion order. HTML characters are kept as is.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeCompact(&buf, enc, k); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := encodeCompact(&buf, enc, r.values[k]); err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// encodeCompact encodes v into buf without the newline Encoder appends.
func encodeCompact(buf *bytes.Buffer, enc *json.Encoder, v interface{}) error {
	if err := enc.Encode(v); err != nil {
		return err
	}
	buf.Truncate(buf.Len() - 1)
	return nil
}

// ParseFields splits a comma-separated --fields value. Unknown names are an error.
func ParseFields(s string) ([]string, error) {
	return parseFields(s, func(name string) bool { _, ok := resultGetters[name]; return ok })
}

// ParseSessionFields is ParseFields for session summaries.
func ParseSessionFields(s string) ([]string, error) {
	return parseFields(s, func(name string) bool { _, ok := sessionGetters[name]; return ok })
}

func parseFields(s string, known func(string) bool) ([]string, error) {
	var fields []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		name := strings.TrimSpace(part)
		if name == "" || seen[name] {
			continue
		}
		if !known(name) {
			return nil, fmt.Errorf("unknown field %q", name)
		}
		seen[name] = true
		fields = append(fields, name)
	}
	return fields, nil
}

// ResultRecord projects r onto fields.
func ResultRecord(r *models.SearchResult, fields []string) *Record {
	rec := &Record{}
	for _, f := range fields {
		if get, ok := resultGetters[f]; ok {
			rec.Set(f, get(r))
		}
	}
	return rec
}

// SessionRecord projects s onto fields.
func SessionRecord(s *models.SessionSummary, fields []string) *Record {
	rec := &Record{}
	for _, f := range fields {
		if get, ok := sessionGetters[f]; ok {
			rec.Set(f, get(s))
		}
	}
	return rec
}

func (o Options) resultFields() []string {
	if len(o.Fields) > 0 {
		return o.Fields
	}
	fields := append([]string(nil), ResultFields...)
	if o.Verbose {
		fields = append(fields, VerboseFields...)
	}
	return fields
}

func (o Options) sessionFields() []string {
	if len(o.Fields) > 0 {
		return o.Fields
	}
	return SessionFields
}

// WriteResults writes one record per result.
func WriteResults(w io.Writer, results []*models.SearchResult, opts Options) error {
	fields := opts.resultFields()
	records := make([]*Record, 0, len(results))
	for _, r := range results {
		records = append(records, ResultRecord(r, fields))
	}
	return writeRecords(w, records, opts.JSONArray)
}

// WriteSessions writes one record per session summary.
func WriteSessions(w io.Writer, sessions []*models.SessionSummary, opts Options) error {
	fields := opts.sessionFields()
	records := make([]*Record, 0, len(sessions))
	for _, s := range sessions {
		records = append(records, SessionRecord(s, fields))
	}
	return writeRecords(w, records, opts.JSONArray)
}

func writeRecords(w io.Writer, records []*Record, array bool) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if array {
		return enc.Encode(records)
	}
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}

// WriteJSON writes v as indented JSON, for single objects such as a document or status.
func WriteJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteWarnings writes one "warning: ..." line per warning.
func WriteWarnings(w io.Writer, warnings []string) {
	for _, msg := range warnings {
		fmt.Fprintf(w, "warning: %s\n", msg)
	}
}

// FormatTime renders t as RFC 3339 in UTC; the zero time is empty.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func rankOrNull(rank int) interface{} {
	if rank <= 0 {
		return nil
	}
	return rank
}

func matchesOrEmpty(m []models.Match) []models.Match {
	if m == nil {
		return []models.Match{}
	}
	return m
}
