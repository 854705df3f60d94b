package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SearchMode selects the candidate generators used for a query.
type SearchMode string

const (
	ModeLexical  SearchMode = "lexical"
	ModeSemantic SearchMode = "semantic"
	ModeHybrid   SearchMode = "hybrid"
)

// SortOrder selects the final ordering of results.
type SortOrder string

const (
	SortScore SortOrder = "score"
	SortTime  SortOrder = "ts"
)

const (
	DefaultLimit = 20
	MaxLimit     = 1000
)

// SearchQuery is a search request with its filters and ranking parameters.
type SearchQuery struct {
	Query               string     `json:"query"`
	Mode                SearchMode `json:"mode,omitempty"`
	Project             string     `json:"project,omitempty"`
	Role                Role       `json:"role,omitempty"`
	Tool                string     `json:"tool,omitempty"`
	SessionID           string     `json:"session_id,omitempty"`
	Source              Source     `json:"source,omitempty"`
	Since               *time.Time `json:"since,omitempty"`
	Until               *time.Time `json:"until,omitempty"`
	Limit               int        `json:"limit,omitempty"`
	MinScore            *float64   `json:"min_score,omitempty"`
	TopNPerSession      int        `json:"top_n_per_session,omitempty"`
	UniqueSession       bool       `json:"unique_session,omitempty"`
	Sort                SortOrder  `json:"sort,omitempty"`
	RecencyWeight       *float64   `json:"recency_weight,omitempty"`
	RecencyHalfLifeDays float64    `json:"recency_half_life_days,omitempty"`
	Model               ModelKind  `json:"model,omitempty"`
}

// Validate checks the query and fills defaults. The query text must be non-empty.
func (q *SearchQuery) Validate() error {
	if strings.TrimSpace(q.Query) == "" {
		return fmt.Errorf("query cannot be empty")
	}
	return q.Normalize()
}

// Normalize checks filters and ranking parameters and fills defaults without requiring query text.
func (q *SearchQuery) Normalize() error {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	switch q.Mode {
	case "":
		q.Mode = ModeLexical
	case ModeLexical, ModeSemantic, ModeHybrid:
	default:
		return fmt.Errorf("unknown search mode %q", q.Mode)
	}
	switch q.Sort {
	case "":
		q.Sort = SortScore
	case SortScore, SortTime:
	default:
		return fmt.Errorf("unknown sort %q (expected score or ts)", q.Sort)
	}
	if q.Role != "" {
		role, err := ParseRole(string(q.Role))
		if err != nil {
			return err
		}
		q.Role = role
	}
	if q.Source != "" {
		src, err := ParseSource(string(q.Source))
		if err != nil {
			return err
		}
		q.Source = src
	}
	if q.TopNPerSession < 0 {
		return fmt.Errorf("top_n_per_session must be >= 0")
	}
	if q.UniqueSession {
		q.TopNPerSession = 1
	}
	if q.Since != nil && q.Until != nil && q.Since.After(*q.Until) {
		return fmt.Errorf("since must not be after until")
	}
	if q.RecencyWeight != nil && (*q.RecencyWeight < 0 || *q.RecencyWeight > 1) {
		return fmt.Errorf("recency_weight must be between 0 and 1")
	}
	if q.RecencyHalfLifeDays < 0 {
		return fmt.Errorf("recency_half_life_days must be positive")
	}
	if q.Model != "" {
		kind, err := ParseModelKind(string(q.Model))
		if err != nil {
			return err
		}
		q.Model = kind
	}
	return nil
}

// ParseTime accepts RFC 3339 timestamps, plain dates, or unix epochs in seconds or milliseconds.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q (expected ISO-8601 or unix epoch)", s)
}
