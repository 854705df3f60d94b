// Package main is the memex CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	merrors "github.com/nicosuave/memex/internal/errors"
)

var version = "dev"

// Exit codes. Each error kind gets its own code so scripts can react without
// parsing messages.
const (
	exitOK              = 0
	exitError           = 1
	exitUsage           = 2
	exitNotFound        = 3
	exitLockContention  = 4
	exitConfigMismatch  = 5
	exitCorruption      = 6
	exitIngestionFailed = 7
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, os.Getenv))
}

func run(args []string, stdout, stderr io.Writer, getenv func(string) string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(stdout, stderr, getenv)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		printError(stderr, err)
		return exitCode(err)
	}
	return exitOK
}

func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "error: %v\n", err)
	if s := merrors.SuggestionOf(err); s != "" {
		fmt.Fprintf(w, "hint: %s\n", s)
	}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if isUsage(err) {
		return exitUsage
	}
	switch merrors.KindOf(err) {
	case merrors.KindNotFound:
		return exitNotFound
	case merrors.KindLockContention:
		return exitLockContention
	case merrors.KindConfigMismatch:
		return exitConfigMismatch
	case merrors.KindStorageCorruption:
		return exitCorruption
	case merrors.KindIngestion:
		return exitIngestionFailed
	}
	return exitError
}

// usageError marks bad flags or arguments.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usagef(format string, args ...interface{}) error {
	return usageError{fmt.Errorf(format, args...)}
}

func isUsage(err error) bool {
	var u usageError
	return errors.As(err, &u)
}
