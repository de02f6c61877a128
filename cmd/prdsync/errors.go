package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/prdsync/prdsync/internal/applier"
	"github.com/prdsync/prdsync/internal/config"
	"github.com/prdsync/prdsync/internal/prd"
)

// Exit codes.
const (
	exitFailure  = 1
	exitConflict = 2
)

// exitError carries a process exit code through cobra. A nil err exits
// silently.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// WarnError writes a warning message to stderr and returns.
func WarnError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Warning: "+format+"\n", args...)
}

// errorCode classifies an error for --json output.
func errorCode(err error) string {
	switch {
	case errors.Is(err, applier.ErrBlocked):
		return "blocked"
	case errors.Is(err, config.ErrMissingCredentials):
		return "missing_credentials"
	case errors.Is(err, config.ErrInvalid):
		return "invalid_config"
	case errors.Is(err, prd.ErrMalformed):
		return "malformed_document"
	case errors.Is(err, prd.ErrModified):
		return "document_modified"
	}
	return ""
}

// errorHint suggests a fix for common failures.
func errorHint(err error) string {
	switch {
	case errors.Is(err, config.ErrMissingCredentials):
		return "set TRELLO_API_KEY and TRELLO_TOKEN, and board.id in prdsync.yaml (run 'prdsync init')"
	case errors.Is(err, applier.ErrBlocked):
		return "resolve the conflicts listed above, or set sync.block_writes_on_conflict: false"
	case errors.Is(err, prd.ErrModified):
		return "the document was edited during the run; run prdsync again"
	case errors.Is(err, os.ErrNotExist):
		return "check document.path in prdsync.yaml, or run 'prdsync init' to create one"
	}
	return ""
}
