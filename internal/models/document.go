// Package models defines core data structures for documents, sessions, queries, and search results.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies who produced a record in a session.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolUse    Role = "tool_use"
	RoleToolResult Role = "tool_result"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleUser, RoleAssistant, RoleToolUse, RoleToolResult:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q (expected user, assistant, tool_use or tool_result)", s)
}

// IsTool reports whether the role belongs to tool traffic.
func (r Role) IsTool() bool {
	return r == RoleToolUse || r == RoleToolResult
}

// Source tags the system a record came from.
type Source string

const (
	SourceClaude Source = "claude"
	SourceCodex  Source = "codex"
)

// ParseSource validates a source filter value.
func ParseSource(s string) (Source, error) {
	switch src := Source(strings.ToLower(strings.TrimSpace(s))); src {
	case SourceClaude, SourceCodex:
		return src, nil
	}
	return "", fmt.Errorf("unknown source %q (expected claude or codex)", s)
}

// Document is one normalized record stored in the corpus.
type Document struct {
	ID          string    `json:"doc_id" db:"doc_id"`
	SessionID   string    `json:"session_id" db:"session_id"`
	Project     string    `json:"project" db:"project"`
	Role        Role      `json:"role" db:"role"`
	Tool        string    `json:"tool,omitempty" db:"tool"`
	Source      Source    `json:"source" db:"source"`
	Timestamp   time.Time `json:"ts" db:"ts"`
	Text        string    `json:"text" db:"text"`
	SourcePath  string    `json:"source_path" db:"source_path"`
	Offset      int64     `json:"offset" db:"offset"`
	ContentHash string    `json:"content_hash" db:"content_hash"`
	IndexedAt   time.Time `json:"indexed_at" db:"indexed_at"`
}

// Session is the ordered set of documents sharing a session_id.
type Session struct {
	ID        string      `json:"session_id"`
	Project   string      `json:"project"`
	Source    Source      `json:"source"`
	Documents []*Document `json:"documents"`
}

// SessionSummary aggregates search hits for one session.
type SessionSummary struct {
	SessionID  string    `json:"session_id"`
	Project    string    `json:"project"`
	Source     Source    `json:"source"`
	LastTS     time.Time `json:"last_ts"`
	HitCount   int       `json:"hit_count"`
	TopScore   float64   `json:"top_score"`
	Snippet    string    `json:"snippet"`
	SourcePath string    `json:"source_path"`
}

// ScanState is the cached fingerprint of one source file.
type ScanState struct {
	SourcePath    string    `json:"source_path" db:"source_path"`
	Size          int64     `json:"size" db:"size"`
	ModTime       time.Time `json:"mod_time" db:"mod_time"`
	ContentHash   string    `json:"content_hash" db:"content_hash"`
	LastScannedAt time.Time `json:"last_scanned_at" db:"last_scanned_at"`
}

// Stale reports whether the entry is older than ttl at now.
func (s *ScanState) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastScannedAt) > ttl
}

// IndexMetadata describes the committed index as a whole.
type IndexMetadata struct {
	Models           map[ModelKind]int    `json:"models"`
	Embedders        map[ModelKind]string `json:"embedders"`
	DocumentCount    int64                `json:"document_count"`
	SessionCount     int64                `json:"session_count"`
	LastFullRebuild  time.Time            `json:"last_full_rebuild,omitempty"`
	VectorGeneration uint64               `json:"vector_generation"`
}
