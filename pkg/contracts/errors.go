package contracts

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every error surfaced by the aggregation core.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindConfiguration ErrorKind = "configuration"
	KindRegistry      ErrorKind = "registry"
	KindCache         ErrorKind = "cache"
	KindSubsystem     ErrorKind = "subsystem"
	KindAggregation   ErrorKind = "aggregation"
	KindTimeout       ErrorKind = "timeout"
)

// Sentinels for errors.Is. A sentinel matches any *Error of the same kind.
var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrRegistry      = &Error{Kind: KindRegistry}
	ErrCache         = &Error{Kind: KindCache}
	ErrSubsystem     = &Error{Kind: KindSubsystem}
	ErrAggregation   = &Error{Kind: KindAggregation}
	ErrTimeout       = &Error{Kind: KindTimeout}
)

// Error is a classified error. Op names the failing operation and Subject the
// dimension, subsystem or key it concerns.
type Error struct {
	Kind    ErrorKind
	Op      string
	Subject string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	switch {
	case e.Op != "" && e.Subject != "":
		return fmt.Sprintf("[%s] %s %q: %s", e.Kind, e.Op, e.Subject, msg)
	case e.Op != "":
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Op, msg)
	default:
		return fmt.Sprintf("[%s] %s", e.Kind, msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality against a bare sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Subject == "" && t.Message == "" && t.Err == nil && e.Kind == t.Kind
}

func newError(kind ErrorKind, op, subject, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Subject: subject, Message: fmt.Sprintf(format, args...)}
}

func Validationf(op, subject, format string, args ...any) *Error {
	return newError(KindValidation, op, subject, format, args...)
}

func Configurationf(op, subject, format string, args ...any) *Error {
	return newError(KindConfiguration, op, subject, format, args...)
}

func Registryf(op, subject, format string, args ...any) *Error {
	return newError(KindRegistry, op, subject, format, args...)
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind ErrorKind, op, subject string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

// KindOf returns the kind of the first classified error found in err's tree,
// or the empty kind.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
