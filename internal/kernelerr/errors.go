// Package kernelerr defines the reply-level error kinds every dispatch
// handler speaks in. These are discriminators carried in reply payloads
// (§7 of the core spec), not Go error types to be type-switched on by
// callers outside the dispatch boundary — handlers return a plain error,
// and dispatch classifies it into a Kind with errors.As.
package kernelerr

import "fmt"

// Kind is the wire-visible error discriminator.
type Kind string

const (
	Unsupported      Kind = "Unsupported"
	BadRequest       Kind = "BadRequest"
	PermissionDenied Kind = "PermissionDenied"
	AgentNotFound    Kind = "AgentNotFound"
	NameTaken        Kind = "NameTaken"
	StateKeyNotFound Kind = "StateKeyNotFound"
	Timeout          Kind = "Timeout"
	TooLarge         Kind = "TooLarge"
	IoError          Kind = "IoError"
	Internal         Kind = "Internal"
	TunnelError      Kind = "TunnelError"
)

// Error wraps an underlying cause with the Kind the dispatch core should
// report to the client. Handlers construct these with New; plain errors
// returned from a handler are classified as Internal.
type Error struct {
	Kind  Kind
	Cause error
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Cause: fmt.Errorf(format, args...)}
}

func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Cause: err}
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// KindOf classifies err into a reply Kind. Errors not constructed via New
// or Wrap are reported as Internal — an unclassified error is always a
// kernel-side bug, never something the client should be told to retry
// differently.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var kerr *Error
	if as(err, &kerr) {
		return kerr.Kind
	}
	return Internal
}

// as is errors.As specialised for *Error, kept local to avoid importing
// errors just for this one call site in every caller.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
