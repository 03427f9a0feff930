package model

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrNotFound is matched by every RecordNotFoundError.
var ErrNotFound = errors.New("operation not found")

// RecordNotFoundError reports that no operation record exists for ID. It is
// fatal to whatever was about to act on the record.
type RecordNotFoundError struct {
	ID string
}

func (e *RecordNotFoundError) Error() string {
	return fmt.Sprintf("operation %s not found", e.ID)
}

// Is makes errors.Is(err, ErrNotFound) hold for any RecordNotFoundError.
func (e *RecordNotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// AlreadyTerminalError reports a transition attempted on a record that has
// already reached a terminal status. The record is left untouched.
type AlreadyTerminalError struct {
	ID        string
	Current   Status
	Requested Status
}

func (e *AlreadyTerminalError) Error() string {
	return fmt.Sprintf("operation %s is already %s, refusing transition to %s", e.ID, e.Current, e.Requested)
}

// InvalidTransitionError reports a transition that is not an edge of the
// status graph, e.g. ACCEPTED→COMPLETED.
type InvalidTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("operation %s: invalid status transition %s -> %s", e.ID, e.From, e.To)
}

// EngineQueryError wraps a failed query against the execution engine. It is
// transient: the next reconciliation pass retries.
type EngineQueryError struct {
	Op  string
	Tag string
	Err error
}

func (e *EngineQueryError) Error() string {
	if e.Tag == "" {
		return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("engine %s %s: %v", e.Op, e.Tag, e.Err)
}

func (e *EngineQueryError) Unwrap() error { return e.Err }

// UnknownExecutionError reports that the engine has no execution for a tag
// that a RUNNING record points at. The outcome is never guessed.
type UnknownExecutionError struct {
	Tag string
}

func (e *UnknownExecutionError) Error() string {
	return fmt.Sprintf("no execution found for operation %s", e.Tag)
}

// NewUnknownExecutionError returns an UnknownExecutionError carrying an
// operator hint.
func NewUnknownExecutionError(tag string) error {
	return errors.WithHint(&UnknownExecutionError{Tag: tag},
		"the record stays RUNNING until an operator resolves it")
}

// IsAlreadyTerminal reports whether err is, or wraps, an AlreadyTerminalError.
func IsAlreadyTerminal(err error) bool {
	var target *AlreadyTerminalError
	return errors.As(err, &target)
}

// IsInvalidTransition reports whether err is, or wraps, an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var target *InvalidTransitionError
	return errors.As(err, &target)
}
