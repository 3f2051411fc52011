// Package errs defines the error taxonomy shared by the ETL engine.
//
// Every failure that crosses a component boundary is tagged with a Kind so
// that the stage runner and the coordinator can decide retry / abort / skip
// without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for propagation decisions.
type Kind int

const (
	// KindUnknown is the zero value; treated as fatal.
	KindUnknown Kind = iota
	// KindTransientIO covers network errors, timeouts, upstream 5xx and
	// upstream throttling. Retried by the fetcher.
	KindTransientIO
	// KindUpstreamSchema marks unexpected columns or types. Never retried.
	KindUpstreamSchema
	// KindStoreWrite marks store-side failures other than the expected PK
	// conflict (FK violation, disk full).
	KindStoreWrite
	// KindConcurrentRun marks a guard rejection: another run of the same
	// api is live.
	KindConcurrentRun
	// KindPreconditionFailed marks a dependent layer whose watermark has
	// not caught up.
	KindPreconditionFailed
	// KindQualityAssertion marks a HIGH severity quality check failure.
	KindQualityAssertion
	// KindCancelled marks an external cancellation. Terminal, not retried.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindTransientIO:
		return "transient_io"
	case KindUpstreamSchema:
		return "upstream_schema"
	case KindStoreWrite:
		return "store_write"
	case KindConcurrentRun:
		return "concurrent_run"
	case KindPreconditionFailed:
		return "precondition_failed"
	case KindQualityAssertion:
		return "quality_assertion"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is a kinded error with an optional wrapped cause.
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

// New creates a kinded error.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from an error chain. Unwrapped errors report
// KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTransient reports whether the error may succeed on retry.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransientIO
}

// Truncate shortens error text for persistence into run log rows.
func Truncate(msg string, max int) string {
	if len(msg) <= max {
		return msg
	}
	return msg[:max]
}
