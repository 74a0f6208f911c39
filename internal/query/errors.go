package query

import (
	"errors"
	"fmt"
)

// Error kinds shared by every component that talks to a data source. Each
// concrete error wraps exactly one kind so callers can classify with
// errors.Is without knowing which fetcher produced it.
var (
	// ErrConfig marks a malformed spec or fetcher misconfiguration.
	// Rejected before any run starts, never retried.
	ErrConfig = errors.New("config error")

	// ErrTransient marks a network/timeout/5xx failure. Retried with
	// bounded backoff, then the affected run degrades to inconclusive.
	ErrTransient = errors.New("transient source error")

	// ErrProtocol marks an unparseable page or non-terminating
	// pagination. Fatal for the run, not retried.
	ErrProtocol = errors.New("protocol error")

	// ErrFatalSource marks an unrecoverable source failure such as an
	// authentication rejection. Fatal for the run.
	ErrFatalSource = errors.New("fatal source error")
)

// SourceError is the concrete error produced by fetchers and the
// assembler. Kind is one of the sentinel kinds above; Cause, when set, is
// the underlying transport or driver error.
type SourceError struct {
	Kind   error
	Source string
	Msg    string
	Cause  error
}

func (e *SourceError) Error() string {
	msg := e.Msg
	if e.Cause != nil {
		if msg != "" {
			msg = fmt.Sprintf("%s: %v", msg, e.Cause)
		} else {
			msg = e.Cause.Error()
		}
	}
	if e.Source != "" {
		return fmt.Sprintf("%s: %s: %s", e.Source, e.Kind.Error(), msg)
	}
	if msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), msg)
}

func (e *SourceError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

// Configf builds a config error with no originating source.
func Configf(format string, args ...any) error {
	return &SourceError{Kind: ErrConfig, Msg: fmt.Sprintf(format, args...)}
}

// Transientf builds a transient source error.
func Transientf(source string, cause error, format string, args ...any) error {
	return &SourceError{Kind: ErrTransient, Source: source, Cause: cause, Msg: fmt.Sprintf(format, args...)}
}

// Protocolf builds a protocol error.
func Protocolf(source string, format string, args ...any) error {
	return &SourceError{Kind: ErrProtocol, Source: source, Msg: fmt.Sprintf(format, args...)}
}

// FatalSourcef builds a fatal source error.
func FatalSourcef(source string, cause error, format string, args ...any) error {
	return &SourceError{Kind: ErrFatalSource, Source: source, Cause: cause, Msg: fmt.Sprintf(format, args...)}
}
