package xerrors

import (
	"errors"
	"runtime"
)

// Kind classifies a failure for the HTTP boundary.
type Kind int

const (
	KindInternal Kind = iota
	KindConfig
	KindMissingCredential
	KindInvalidCredential
	KindBadAuthFormat
	KindBadRequest
	KindNotGzipped
	KindPathTraversal
	KindExtractionFailed
	KindPublishFailed
	KindPurgeFailed
	KindNotFound
	KindMethodNotAllowed
	KindConflict
	KindTooLarge
	KindRateLimited
)

var kindNames = map[Kind]string{
	KindInternal:          "internal",
	KindConfig:            "configuration",
	KindMissingCredential: "missing_credential",
	KindInvalidCredential: "invalid_credential",
	KindBadAuthFormat:     "bad_auth_format",
	KindBadRequest:        "bad_request",
	KindNotGzipped:        "not_gzipped",
	KindPathTraversal:     "path_traversal",
	KindExtractionFailed:  "extraction_failed",
	KindPublishFailed:     "publish_failed",
	KindPurgeFailed:       "purge_failed",
	KindNotFound:          "not_found",
	KindMethodNotAllowed:  "method_not_allowed",
	KindConflict:          "conflict",
	KindTooLarge:          "too_large",
	KindRateLimited:       "rate_limited",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Error is a classified failure. Msg is safe to show to clients for 4xx
// kinds; Err holds the underlying cause for logs.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
	pc   uintptr
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return e.Msg
	case e.Msg == "":
		return e.Err.Error()
	default:
		return e.Msg + ": " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }
func (e *Error) PC() uintptr   { return e.pc }

// Is matches any *Error of the same kind, so sentinels like
// &Error{Kind: KindNotGzipped} work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

// E builds a classified error. cause may be nil.
func E(kind Kind, msg string, cause error) error {
	var pcs [1]uintptr
	var pc uintptr
	if runtime.Callers(2, pcs[:]) > 0 {
		pc = pcs[0]
	}
	return &Error{Kind: kind, Msg: msg, Err: cause, pc: pc}
}

// KindOf returns the kind of the outermost *Error in the chain, or
// KindInternal when the chain carries no classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns the client-facing message of the outermost *Error.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind && err != nil
}
