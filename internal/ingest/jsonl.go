package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	merrors "github.com/nicosuave/memex/internal/errors"
	"github.com/nicosuave/memex/internal/models"
)

// JSONLParserName is the registry name of the normalized JSON lines parser.
const JSONLParserName = "jsonl"

func init() {
	Register(JSONLParserName, JSONLParser{})
}

// JSONLParser reads one normalized record per line:
//
//	{"session_id":"s1","project":"memex","role":"user","tool":"","text":"...","ts":"2025-01-02T03:04:05Z","source":"claude"}
//
// The offset of a record is the byte position of its line. A missing session_id
// falls back to the file name without extension.
type JSONLParser struct{}

type jsonlLine struct {
	SessionID string          `json:"session_id"`
	Project   string          `json:"project"`
	Role      string          `json:"role"`
	Tool      string          `json:"tool"`
	Text      string          `json:"text"`
	TS        json.RawMessage `json:"ts"`
	Timestamp json.RawMessage `json:"timestamp"`
	Source    string          `json:"source"`
}

// Parse implements Parser.
func (JSONLParser) Parse(ctx context.Context, path string, r io.Reader, defaults Defaults) ([]Record, []error, error) {
	var (
		records  []Record
		warnings []error
		offset   int64
		lineNo   int
	)
	session := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	br := bufio.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		line, readErr := br.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, nil, merrors.Ingestion(path, readErr)
		}
		start := offset
		offset += int64(len(line))
		lineNo++

		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			rec, err := parseLine(trimmed, path, start, session, defaults)
			switch {
			case err != nil:
				warnings = append(warnings, merrors.Ingestion(fmt.Sprintf("%s:%d", path, lineNo), err))
			case rec != nil:
				records = append(records, *rec)
			}
		}
		if readErr != nil {
			break
		}
	}
	return records, warnings, nil
}

func parseLine(line []byte, path string, offset int64, session string, defaults Defaults) (*Record, error) {
	var raw jsonlLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("malformed record: %w", err)
	}
	if strings.TrimSpace(raw.Text) == "" {
		return nil, nil
	}
	role, err := models.ParseRole(raw.Role)
	if err != nil {
		return nil, err
	}
	ts := raw.TS
	if len(ts) == 0 {
		ts = raw.Timestamp
	}
	timestamp, err := parseTimestamp(ts)
	if err != nil {
		return nil, err
	}
	rec := &Record{
		SourcePath: path,
		Offset:     offset,
		Timestamp:  timestamp,
		Role:       role,
		Tool:       raw.Tool,
		Text:       raw.Text,
		SessionID:  raw.SessionID,
		Project:    raw.Project,
		Source:     models.Source(strings.ToLower(raw.Source)),
	}
	if rec.SessionID == "" {
		rec.SessionID = session
	}
	if rec.Project == "" {
		rec.Project = defaults.Project
	}
	if rec.Source == "" {
		rec.Source = defaults.Source
	}
	return rec, nil
}

// parseTimestamp accepts a JSON string (ISO-8601 or epoch digits) or a JSON number
// (epoch seconds, or milliseconds above 1e12). Absent or null is the zero time.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
		}
	} else {
		f, err := strconv.ParseFloat(string(raw), 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %s", raw)
		}
		s = strconv.FormatInt(int64(f), 10)
	}
	if strings.TrimSpace(s) == "" {
		return time.Time{}, nil
	}
	return models.ParseTime(s)
}
