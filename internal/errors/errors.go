// Package errors defines the error kinds surfaced by memex.
//
// Every user-visible failure is one of a small set of kinds so that callers can
// decide policy (skip, wait, fail, reindex) without matching on messages.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	// KindIngestion marks an unreadable or malformed source file. The pass continues.
	KindIngestion Kind = "ingestion_error"
	// KindConfigMismatch marks an embedding model or dimension disagreement.
	KindConfigMismatch Kind = "config_mismatch"
	// KindLockContention marks another index writer holding the lock.
	KindLockContention Kind = "lock_contention"
	// KindStorageCorruption marks unreadable or partially written index files.
	KindStorageCorruption Kind = "storage_corruption"
	// KindNotFound marks an absent doc_id or session_id.
	KindNotFound Kind = "not_found"
)

// Sentinels for errors.Is comparisons by kind.
var (
	ErrIngestion         = &Error{Kind: KindIngestion}
	ErrConfigMismatch    = &Error{Kind: KindConfigMismatch}
	ErrLockContention    = &Error{Kind: KindLockContention}
	ErrStorageCorruption = &Error{Kind: KindStorageCorruption}
	ErrNotFound          = &Error{Kind: KindNotFound}
)

// Error is the structured error type.
type Error struct {
	Kind       Kind
	Op         string
	Subject    string
	Message    string
	Suggestion string
	Cause      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Subject != "" {
		msg += " (" + e.Subject + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// WithSuggestion sets an actionable hint for the user.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}

// New creates an error of kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap creates an error of kind around cause.
func Wrap(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// Is reports whether err has kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return stderrors.Is(err, &Error{Kind: kind})
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// SuggestionOf returns the first non-empty suggestion in err's chain.
func SuggestionOf(err error) string {
	for err != nil {
		var e *Error
		if !stderrors.As(err, &e) {
			return ""
		}
		if e.Suggestion != "" {
			return e.Suggestion
		}
		err = e.Cause
	}
	return ""
}

// Ingestion reports an unreadable or malformed source file.
func Ingestion(path string, cause error) *Error {
	return &Error{Kind: KindIngestion, Op: "ingest", Subject: path, Cause: cause}
}

// ConfigMismatch reports a dimension disagreement for a model.
func ConfigMismatch(subject string, expected, got int) *Error {
	return &Error{
		Kind:       KindConfigMismatch,
		Op:         "embedding",
		Subject:    subject,
		Message:    fmt.Sprintf("dimension mismatch: expected %d, got %d", expected, got),
		Suggestion: "run `memex embed` to recompute embeddings for the selected model",
	}
}

// EmbedderMismatch reports stored vectors computed by a different embedder than
// the one now configured for the model.
func EmbedderMismatch(model, stored, current string) *Error {
	return &Error{
		Kind:       KindConfigMismatch,
		Op:         "embedding",
		Subject:    model,
		Message:    fmt.Sprintf("stored vectors come from embedder %q, configured embedder is %q", stored, current),
		Suggestion: "run `memex embed` to recompute embeddings for the selected model",
	}
}

// LockContention reports another writer holding path.
func LockContention(path string, cause error) *Error {
	return &Error{
		Kind:       KindLockContention,
		Op:         "lock",
		Subject:    path,
		Message:    "another index writer is active",
		Suggestion: "wait for the running index pass to finish and retry",
		Cause:      cause,
	}
}

// Corruption reports an unreadable or partially written index file.
func Corruption(path string, cause error) *Error {
	return &Error{
		Kind:       KindStorageCorruption,
		Op:         "storage",
		Subject:    path,
		Cause:      cause,
		Suggestion: "run `memex reindex` to rebuild the index",
	}
}

// NotFound reports an absent identifier.
func NotFound(what, id string) *Error {
	return &Error{Kind: KindNotFound, Op: what, Subject: id}
}
