// Package edverrors defines the canonical error kinds the document engine
// surfaces to callers, distinct from whatever status codes or wire errors a
// concrete transport implementation uses internally.
package edverrors

import (
	"errors"
	"fmt"
)

// Kind is one of the canonical error kinds from spec §7.
type Kind string

const (
	// KindDuplicate is raised on insert of an existing document ID, or a
	// unique-attribute collision observed by the server.
	KindDuplicate Kind = "DuplicateError"
	// KindInvalidState is raised on a sequence mismatch on update,
	// updateIndex, or storeChunk.
	KindInvalidState Kind = "InvalidStateError"
	// KindNotFound is raised on get/getStream of an absent document or chunk.
	KindNotFound Kind = "NotFoundError"
	// KindInvalidArgument is raised for a bad attribute path, both/neither
	// of equals/has, an out-of-range limit, a malformed doc ID, or empty
	// recipients on a new document.
	KindInvalidArgument Kind = "InvalidArgument"
	// KindDecryptionFailed is raised on JWE authentication failure.
	KindDecryptionFailed Kind = "DecryptionFailed"
	// KindIndexingDisabled is raised when an index-dependent operation is
	// invoked without an HMAC identity configured.
	KindIndexingDisabled Kind = "IndexingDisabled"
	// KindNetwork wraps a transport-level failure, surfaced unchanged.
	KindNetwork Kind = "NetworkError"
)

// Error is the engine's canonical error type. It always carries a Kind so
// callers can branch with errors.As/Is instead of string matching.
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

// Is allows errors.Is(err, edverrors.KindNotFound-sentinel-style) comparisons
// by kind: two *Error values are "the same" error for errors.Is purposes when
// their Kind matches, regardless of message/cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an *Error of the given kind wrapping cause (which may be nil).
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Sentinels for errors.Is comparisons, e.g. errors.Is(err, edverrors.ErrNotFound).
var (
	ErrDuplicate        = &Error{Kind: KindDuplicate}
	ErrInvalidState     = &Error{Kind: KindInvalidState}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrInvalidArgument  = &Error{Kind: KindInvalidArgument}
	ErrDecryptionFailed = &Error{Kind: KindDecryptionFailed}
	ErrIndexingDisabled = &Error{Kind: KindIndexingDisabled}
	ErrNetwork          = &Error{Kind: KindNetwork}
)

// KindOf extracts the Kind from err, if err is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
