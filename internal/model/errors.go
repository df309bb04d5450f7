package model

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an arbiter error. The set is closed: every error that
// crosses the HTTP boundary carries exactly one of these, and callers
// (the Chainlink job pipeline) branch on it.
type Kind string

const (
	KindInvalidRequest       Kind = "INVALID_REQUEST"
	KindCompositionMismatch  Kind = "COMPOSITION_MISMATCH"
	KindInvalidManifest      Kind = "INVALID_MANIFEST"
	KindInvalidQuery         Kind = "INVALID_QUERY"
	KindContentStoreDown     Kind = "CONTENT_STORE_UNAVAILABLE"
	KindAttachmentTooLarge   Kind = "ATTACHMENT_TOO_LARGE"
	KindAttachmentUnreadable Kind = "ATTACHMENT_UNREADABLE"
	KindProviderAuth         Kind = "PROVIDER_AUTH"
	KindProviderInvalidInput Kind = "PROVIDER_INVALID_INPUT"
	KindInsufficientModels   Kind = "INSUFFICIENT_MODELS"
	KindRequestTimeout       Kind = "REQUEST_TIMEOUT"
	KindCommitNotFound       Kind = "COMMIT_NOT_FOUND"
	KindInternal             Kind = "INTERNAL"
)

// Error is the domain error type. It pairs a taxonomy Kind with a
// human-readable message and an optional structured detail payload that
// is serialized into the error response verbatim.
type Error struct {
	Kind    Kind
	Message string
	Detail  any
	err     error
}

// E builds a domain error with a formatted message.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a domain error that records cause for the %w chain.
// The message shown to callers is the formatted one; cause stays internal.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), err: cause}
}

// WithDetail attaches a structured detail payload and returns the error.
func (e *Error) WithDetail(detail any) *Error {
	e.Detail = detail
	return e
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// KindOf extracts the taxonomy kind from any error chain.
// Errors that never got classified come back as KindInternal.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// AsError extracts the domain error from a chain, or wraps the chain in a
// KindInternal error when no classification is present.
func AsError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return &Error{Kind: KindInternal, Message: "internal error", err: err}
}

// HTTPStatus maps a Kind to the HTTP status code used by the adapter
// response envelope.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidRequest, KindCompositionMismatch, KindInvalidManifest,
		KindInvalidQuery, KindInsufficientModels, KindProviderInvalidInput:
		return http.StatusBadRequest
	case KindCommitNotFound:
		return http.StatusNotFound
	case KindRequestTimeout:
		return http.StatusRequestTimeout
	case KindAttachmentTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindAttachmentUnreadable:
		return http.StatusBadRequest
	case KindContentStoreDown, KindProviderAuth:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// SlotFailure identifies one failed jury slot in an INSUFFICIENT_MODELS
// detail payload.
type SlotFailure struct {
	Slot     int    `json:"slot"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Reason   string `json:"reason"`
}
