package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies a fatal pipeline failure.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindNoJobs
	KindSetup
	KindExecution
	KindTeardown
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "Validation failed"
	case KindNoJobs:
		return "No jobs to execute"
	case KindSetup:
		return "Setup failed"
	case KindExecution:
		return "Command execution error"
	case KindTeardown:
		return "Teardown failed"
	}
	return "build-magic error"
}

// Sentinels for errors.Is matching against an *Error of the same kind.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrNoJobs     = &Error{Kind: KindNoJobs}
	ErrSetup      = &Error{Kind: KindSetup}
	ErrExecution  = &Error{Kind: KindExecution}
	ErrTeardown   = &Error{Kind: KindTeardown}
)

// Error is a fatal failure of a known kind, optionally wrapping its cause.
type Error struct {
	Kind Kind
	Err  error
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or zero.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
