package ingest

import (
	"context"
	"strings"
	"testing"
	"time"

	merrors "github.com/nicosuave/memex/internal/errors"
	"github.com/nicosuave/memex/internal/models"
)

func TestJSONLParser_Parse(t *testing.T) {
	input := `{"session_id":"s1","project":"memex","role":"user","text":"how do I rebuild the index","ts":"2025-01-02T03:04:05Z","source":"claude"}
{"role":"assistant","text":"run reindex","ts":1735787046}

{"role":"tool_use","tool":"Bash","text":"memex reindex","timestamp":1735787047000}
{"role":"user","text":"   "}
not json
{"role":"wizard","text":"hi"}
`
	p, err := Lookup(JSONLParserName)
	if err != nil {
		t.Fatal(err)
	}
	records, warnings, err := p.Parse(context.Background(), "/logs/abc.jsonl", strings.NewReader(input),
		Defaults{Source: models.SourceCodex, Project: "fallback"})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if len(warnings) != 2 {
		t.Errorf("got %d warnings, want 2: %v", len(warnings), warnings)
	}
	for _, w := range warnings {
		if !merrors.Is(w, merrors.KindIngestion) {
			t.Errorf("warning is not an ingestion error: %v", w)
		}
	}

	first := records[0]
	if first.Offset != 0 || first.SessionID != "s1" || first.Source != models.SourceClaude || first.Project != "memex" {
		t.Errorf("first = %+v", first)
	}
	if !first.Timestamp.Equal(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("ts = %v", first.Timestamp)
	}

	second := records[1]
	if second.SessionID != "abc" || second.Source != models.SourceCodex || second.Project != "fallback" {
		t.Errorf("defaults not applied: %+v", second)
	}
	if second.Offset != int64(strings.Index(input, `{"role":"assistant"`)) {
		t.Errorf("offset = %d", second.Offset)
	}
	if second.Timestamp.Unix() != 1735787046 {
		t.Errorf("epoch seconds: %v", second.Timestamp)
	}

	third := records[2]
	if third.Role != models.RoleToolUse || third.Tool != "Bash" || third.Timestamp.UnixMilli() != 1735787047000 {
		t.Errorf("third = %+v", third)
	}
	if !(first.Offset < second.Offset && second.Offset < third.Offset) {
		t.Error("offsets must follow file order")
	}
}

func TestRecord_Document(t *testing.T) {
	rec := Record{SourcePath: "/logs/a.jsonl", Offset: 10, Role: models.RoleUser, Text: "hello", SessionID: "s"}
	a := rec.Document()
	b := rec.Document()
	if a.ID != b.ID || a.ContentHash != b.ContentHash {
		t.Error("document identity must be deterministic")
	}
	rec.Text = "hello!"
	c := rec.Document()
	if c.ID != a.ID {
		t.Error("doc_id must not depend on content")
	}
	if c.ContentHash == a.ContentHash {
		t.Error("content hash must change with text")
	}
	rec.Offset = 11
	if rec.Document().ID == a.ID {
		t.Error("doc_id must depend on offset")
	}
}

func TestLookup_unknown(t *testing.T) {
	if _, err := Lookup("claude-raw"); err == nil {
		t.Error("expected error for unknown parser")
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{``, 0, false},
		{`null`, 0, false},
		{`"2025-03-04T05:06:07Z"`, 1741064767, false},
		{`1741064767`, 1741064767, false},
		{`1741064767000`, 1741064767, false},
		{`"1741064767"`, 1741064767, false},
		{`"yesterday"`, 0, true},
		{`true`, 0, true},
	}
	for _, tt := range tests {
		got, err := parseTimestamp([]byte(tt.raw))
		if (err != nil) != tt.wantErr {
			t.Errorf("parseTimestamp(%s) err = %v", tt.raw, err)
			continue
		}
		if tt.wantErr {
			continue
		}
		if tt.want == 0 && !got.IsZero() {
			t.Errorf("parseTimestamp(%s) = %v, want zero", tt.raw, got)
		}
		if tt.want != 0 && got.Unix() != tt.want {
			t.Errorf("parseTimestamp(%s) = %d, want %d", tt.raw, got.Unix(), tt.want)
		}
	}
}
