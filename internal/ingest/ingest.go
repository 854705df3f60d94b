// Package ingest defines the normalized record shape produced by source adapters
// and the registry of parsers that turn source files into records.
package ingest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/nicosuave/memex/internal/fileid"
	"github.com/nicosuave/memex/internal/models"
)

// Record is one normalized entry read from a source file.
type Record struct {
	SourcePath string
	// Offset is the record's position in its file; records sort by it within a file.
	Offset    int64
	Timestamp time.Time
	Role      models.Role
	Tool      string
	Text      string
	SessionID string
	Project   string
	Source    models.Source
}

// Document converts the record into a document with its stable ID and content hash.
func (r *Record) Document() *models.Document {
	return &models.Document{
		ID:          fileid.DocID(r.SourcePath, r.Offset),
		SessionID:   r.SessionID,
		Project:     r.Project,
		Role:        r.Role,
		Tool:        r.Tool,
		Source:      r.Source,
		Timestamp:   r.Timestamp.UTC(),
		Text:        r.Text,
		SourcePath:  r.SourcePath,
		Offset:      r.Offset,
		ContentHash: r.ContentHash(),
	}
}

// ContentHash hashes every field that is visible in search results.
func (r *Record) ContentHash() string {
	var ts string
	if !r.Timestamp.IsZero() {
		ts = strconv.FormatInt(r.Timestamp.UnixMilli(), 10)
	}
	return fileid.ContentHash(r.Text, string(r.Role), r.Tool, ts, r.SessionID, r.Project, string(r.Source))
}

// Parser reads the records of one source file. Malformed entries are returned as
// warnings and do not stop the parse; a non-nil error aborts the file.
type Parser interface {
	Parse(ctx context.Context, path string, r io.Reader, defaults Defaults) ([]Record, []error, error)
}

// Defaults fill fields a source file does not carry itself.
type Defaults struct {
	Source  models.Source
	Project string
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Parser{}
)

// Register makes a parser available under name. It panics on a duplicate name.
func Register(name string, p Parser) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("ingest: parser registered twice: " + name)
	}
	registry[name] = p
}

// Lookup returns the parser registered under name.
func Lookup(name string) (Parser, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	p, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown parser %q (available: %v)", name, parserNames())
	}
	return p, nil
}

func parserNames() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
