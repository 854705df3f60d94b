package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestIsByKind(t *testing.T) {
	err := fmt.Errorf("show: %w", NotFound("document", "doc_1"))
	if !stderrors.Is(err, ErrNotFound) {
		t.Error("expected wrapped not found to match ErrNotFound")
	}
	if !Is(err, KindNotFound) {
		t.Error("expected Is(err, KindNotFound)")
	}
	if stderrors.Is(err, ErrLockContention) {
		t.Error("not found must not match lock contention")
	}
	if KindOf(err) != KindNotFound {
		t.Errorf("KindOf = %q", KindOf(err))
	}
	if KindOf(stderrors.New("plain")) != "" {
		t.Error("plain error has no kind")
	}
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want []string
	}{
		{"not found", NotFound("session", "s1"), []string{"session", "not_found", "s1"}},
		{"mismatch", ConfigMismatch("doc_9", 768, 384), []string{"config_mismatch", "expected 768, got 384", "doc_9"}},
		{"corruption", Corruption("/tmp/x.db", stderrors.New("malformed")), []string{"storage_corruption", "/tmp/x.db", "malformed"}},
		{"ingestion", Ingestion("a.jsonl", stderrors.New("permission denied")), []string{"ingestion_error", "a.jsonl", "permission denied"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, w := range tt.want {
				if !strings.Contains(msg, w) {
					t.Errorf("%q does not contain %q", msg, w)
				}
			}
		})
	}
}

func TestSuggestionOf(t *testing.T) {
	err := fmt.Errorf("open: %w", Corruption("idx", nil))
	if !strings.Contains(SuggestionOf(err), "reindex") {
		t.Errorf("SuggestionOf = %q", SuggestionOf(err))
	}
	if SuggestionOf(NotFound("document", "x")) != "" {
		t.Error("not found has no suggestion")
	}
	if SuggestionOf(nil) != "" {
		t.Error("nil has no suggestion")
	}
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("busy")
	err := LockContention("/tmp/index.lock", cause)
	if !stderrors.Is(err, cause) {
		t.Error("expected cause in chain")
	}
}
