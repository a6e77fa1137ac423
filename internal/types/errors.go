package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures crossing component boundaries. Kinds are
// stable tags, not Go types; callers branch on Kind(err).
type ErrorKind string

const (
	KindNotFound           ErrorKind = "not_found"
	KindValidation         ErrorKind = "validation"
	KindConflict           ErrorKind = "conflict"
	KindCapabilityNotReady ErrorKind = "capability_not_ready"
	KindLLMTransient       ErrorKind = "llm_transient"
	KindLLMFatal           ErrorKind = "llm_fatal"
	KindMergeConflict      ErrorKind = "merge_conflict"
	KindInternal           ErrorKind = "internal"
)

// Error is the kinded error carried across package boundaries.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a kinded error with a formatted message.
func E(kind ErrorKind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind ErrorKind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Kind extracts the ErrorKind from err, defaulting to internal for
// unclassified errors and "" for nil.
func Kind(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return Kind(err) == kind
}

// ErrNoEligibleTask is returned by claim when no pending task is claimable.
// The supervisor treats it as a signal to finalize, not as a failure.
var ErrNoEligibleTask = errors.New("no_eligible_task")
