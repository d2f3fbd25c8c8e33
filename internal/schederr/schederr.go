// Package schederr classifies scheduler errors into the kinds named in
// spec §7, each mapping to a protocol status and a logging level, so
// dispatcher handlers and the event loop can react uniformly instead of
// pattern-matching error strings.
package schederr

import (
	"errors"
	"fmt"

	"github.com/printcore/schedulerd/internal/ipp"
)

// Kind is one of the ten error classifications from spec §7.
type Kind string

const (
	KindBadRequest      Kind = "bad-request"
	KindNotFound        Kind = "not-found"
	KindForbidden       Kind = "forbidden"
	KindNotAuthenticated Kind = "not-authenticated"
	KindConflict        Kind = "conflict"
	KindQuota           Kind = "quota"
	KindSpoolIO         Kind = "spool-io"
	KindFilterTransient Kind = "filter-transient"
	KindFilterFatal     Kind = "filter-fatal"
	KindInternal        Kind = "internal"
)

// LogLevel is the severity at which an error of this kind should be logged.
type LogLevel string

const (
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelInfo  LogLevel = "info"
)

var kindMeta = map[Kind]struct {
	status ipp.Status
	level  LogLevel
}{
	KindBadRequest:       {ipp.StatusErrorBadRequest, LevelWarn},
	KindNotFound:         {ipp.StatusErrorNotFound, LevelWarn},
	KindForbidden:        {ipp.StatusErrorForbidden, LevelWarn},
	KindNotAuthenticated: {ipp.StatusErrorNotAuthenticated, LevelWarn},
	KindConflict:         {ipp.StatusErrorConflicting, LevelWarn},
	KindQuota:            {ipp.StatusErrorNotPossible, LevelInfo},
	KindSpoolIO:          {ipp.StatusErrorInternal, LevelError},
	KindFilterTransient:  {ipp.StatusErrorInternal, LevelWarn},
	KindFilterFatal:      {ipp.StatusErrorInternal, LevelError},
	KindInternal:         {ipp.StatusErrorInternal, LevelError},
}

// Error wraps an underlying cause with a Kind, so callers can classify
// and transport-layer code can unwrap to the original error.
type Error struct {
	Kind Kind
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

// New builds a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies an existing error under kind.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Status returns the IPP status code a dispatcher should respond with
// for an error of kind k.
func (k Kind) Status() ipp.Status {
	if m, ok := kindMeta[k]; ok {
		return m.status
	}
	return ipp.StatusErrorInternal
}

// Level returns the log severity associated with kind k.
func (k Kind) Level() LogLevel {
	if m, ok := kindMeta[k]; ok {
		return m.level
	}
	return LevelError
}

// KindOf extracts the Kind of err, defaulting to KindInternal if err
// was not produced by this package.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}
