// Package errs defines the error taxonomy shared by the pipelines, the ledger,
// the resolver and the bootstrap orchestrator, and maps each category to a
// process exit code.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the category of a failure.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindIO           Kind = "io"
	KindRegistration Kind = "registration"
	KindTimeout      Kind = "timeout"
	// KindExternal marks a failure reported by an external tool (converter,
	// quantizer, trainer).
	KindExternal Kind = "external"
)

// Error carries a Kind, the subject it is about (a model id, a path) and an
// optional cause.
type Error struct {
	Kind    Kind
	Subject string
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Subject != "" {
		s += ": " + e.Subject
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func newf(k Kind, subject string, cause error, format string, args ...any) error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: k, Subject: subject, Msg: msg, Err: cause}
}

// Validation reports malformed input (config, schema, hyperparameters).
func Validation(subject, format string, args ...any) error {
	return newf(KindValidation, subject, nil, format, args...)
}

// NotFound reports a missing source or a missing artifact.
func NotFound(subject, format string, args ...any) error {
	return newf(KindNotFound, subject, nil, format, args...)
}

// Conflict reports an output that already exists without force.
func Conflict(subject, format string, args ...any) error {
	return newf(KindConflict, subject, nil, format, args...)
}

// IO wraps a filesystem failure, typically a ledger write.
func IO(subject string, err error) error {
	return newf(KindIO, subject, err, "")
}

// Registration reports that the runtime rejected or could not register a model.
func Registration(subject string, err error) error {
	return newf(KindRegistration, subject, err, "")
}

// Timeout reports an operation that exceeded its bound.
func Timeout(subject string, err error) error {
	return newf(KindTimeout, subject, err, "")
}

// External wraps a failure of an external tool.
func External(subject string, err error) error {
	return newf(KindExternal, subject, err, "")
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func Is(err error, k Kind) bool { return err != nil && KindOf(err) == k }

func IsValidation(err error) bool   { return Is(err, KindValidation) }
func IsNotFound(err error) bool     { return Is(err, KindNotFound) }
func IsConflict(err error) bool     { return Is(err, KindConflict) }
func IsIO(err error) bool           { return Is(err, KindIO) }
func IsRegistration(err error) bool { return Is(err, KindRegistration) }
func IsTimeout(err error) bool      { return Is(err, KindTimeout) }
func IsExternal(err error) bool     { return Is(err, KindExternal) }

// ExitCode maps err to the process exit code documented for the CLI.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindValidation:
		return 2
	case KindNotFound:
		return 3
	case KindConflict:
		return 4
	case KindIO:
		return 5
	case KindRegistration:
		return 6
	case KindTimeout:
		return 7
	case KindExternal:
		return 8
	default:
		return 1
	}
}
