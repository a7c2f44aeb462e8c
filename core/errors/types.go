// Package errors implements the failure taxonomy of the synchronization engine.
// Every failure surfaced to a caller carries a Kind so results can report a
// stable code without string matching.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a synchronization failure.
type Kind int

const (
	// KindInternal covers any unexpected failure during update processing.
	// Surfaced as SYNC_FAILED; nothing is committed.
	KindInternal Kind = iota

	// KindConflictUnresolved means one or more conflicts could not be
	// resolved automatically. The update is retained as pending and waits
	// for an external decision.
	KindConflictUnresolved

	// KindVersionNotFound means a referenced version id does not exist.
	KindVersionNotFound

	// KindConflictNotFound means a referenced conflict id is neither active
	// nor archived.
	KindConflictNotFound

	// KindInvalidInput means the caller supplied an agent id or update
	// payload the engine cannot store.
	KindInvalidInput

	// KindLockUnavailable means the agent lock could not be acquired before
	// the caller's context or the configured lock timeout expired.
	KindLockUnavailable
)

var kindCodes = map[Kind]string{
	KindInternal:           "INTERNAL_ERROR",
	KindConflictUnresolved: "CONFLICT_UNRESOLVED",
	KindVersionNotFound:    "NOT_FOUND",
	KindConflictNotFound:   "CONFLICT_NOT_FOUND",
	KindInvalidInput:       "INVALID_INPUT",
	KindLockUnavailable:    "LOCK_UNAVAILABLE",
}

// String returns the stable code for the kind.
func (k Kind) String() string {
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return "UNKNOWN"
}

// SyncError wraps a failure with its kind and the operation that produced it.
type SyncError struct {
	Kind       Kind
	Op         string
	Message    string
	Underlying error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Op != "" {
		msg = fmt.Sprintf("[%s] %s: %s", e.Kind, e.Op, e.Message)
	}
	if e.Underlying != nil {
		return msg + ": " + e.Underlying.Error()
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *SyncError) Unwrap() error {
	return e.Underlying
}

// Is matches any SyncError of the same kind, so the package sentinels work
// with errors.Is regardless of message or operation.
func (e *SyncError) Is(target error) bool {
	var se *SyncError
	if errors.As(target, &se) {
		return e.Kind == se.Kind
	}
	return false
}

// New creates a SyncError without an underlying cause.
func New(kind Kind, op, message string) *SyncError {
	return &SyncError{Kind: kind, Op: op, Message: message}
}

// Wrap attaches a kind to err. An err that already carries a kind keeps it.
func Wrap(kind Kind, op, message string, err error) error {
	if err == nil {
		return nil
	}
	var se *SyncError
	if errors.As(err, &se) {
		kind = se.Kind
	}
	return &SyncError{Kind: kind, Op: op, Message: message, Underlying: err}
}

// KindOf extracts the Kind from err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Code returns the stable code for err, or "" for a nil error.
func Code(err error) string {
	if err == nil {
		return ""
	}
	return KindOf(err).String()
}

// Sentinels for errors.Is comparisons.
var (
	ErrInternal           = New(KindInternal, "", "internal error")
	ErrConflictUnresolved = New(KindConflictUnresolved, "", "conflict unresolved")
	ErrVersionNotFound    = New(KindVersionNotFound, "", "version not found")
	ErrConflictNotFound   = New(KindConflictNotFound, "", "conflict not found")
	ErrInvalidInput       = New(KindInvalidInput, "", "invalid input")
	ErrLockUnavailable    = New(KindLockUnavailable, "", "lock unavailable")
)
