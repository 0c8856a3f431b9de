package domain

import "fmt"

// Kind is one of the error kinds the registry core raises. The HTTP
// surface maps each Kind onto a status code; it never re-derives the
// mapping from the error's message.
type Kind string

const (
	KindUnauthorized      Kind = "unauthorized"
	KindForbidden         Kind = "forbidden"
	KindNotFound          Kind = "not_found"
	KindAlreadyExists     Kind = "already_exists"
	KindDuplicateVersion  Kind = "duplicate_version"
	KindLowerVersion      Kind = "lower_version"
	KindInvalidMetadata   Kind = "invalid_metadata"
	KindChecksumMismatch  Kind = "checksum_mismatch"
	KindLastOwner         Kind = "last_owner"
	KindIndexBusy         Kind = "index_busy"
	KindIoError           Kind = "io_error"
	KindUpstreamError     Kind = "upstream_error"
	KindBadRequest        Kind = "bad_request"
	KindInternal          Kind = "internal"
)

// Error is the typed error every registry component raises. Lower
// components construct it and never wrap it further; the HTTP surface
// reads Kind directly.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error of the given kind around a lower-level cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, and
// KindInternal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if asError(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func asError(err error, target **Error) bool {
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
