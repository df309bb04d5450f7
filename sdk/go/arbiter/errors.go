// Package arbiter provides a Go client for the Verdikta arbiter's
// external adapter API.
package arbiter

import (
	"errors"
	"fmt"
)

// Error kinds in the arbiter's taxonomy. Every errored envelope carries
// exactly one; callers branch on the kind rather than the HTTP status.
const (
	KindInvalidRequest       = "INVALID_REQUEST"
	KindCompositionMismatch  = "COMPOSITION_MISMATCH"
	KindInvalidManifest      = "INVALID_MANIFEST"
	KindInvalidQuery         = "INVALID_QUERY"
	KindContentStoreDown     = "CONTENT_STORE_UNAVAILABLE"
	KindAttachmentTooLarge   = "ATTACHMENT_TOO_LARGE"
	KindAttachmentUnreadable = "ATTACHMENT_UNREADABLE"
	KindProviderAuth         = "PROVIDER_AUTH"
	KindProviderInvalidInput = "PROVIDER_INVALID_INPUT"
	KindInsufficientModels   = "INSUFFICIENT_MODELS"
	KindRequestTimeout       = "REQUEST_TIMEOUT"
	KindCommitNotFound       = "COMMIT_NOT_FOUND"
	KindRateLimited          = "RATE_LIMITED"
	KindInternal             = "INTERNAL"
)

// Error represents an errored adapter envelope: the HTTP status code, the
// taxonomy kind, and the server's message. Detail carries the structured
// payload when present, for example the per-slot failure list on
// INSUFFICIENT_MODELS.
type Error struct {
	StatusCode int
	Kind       string
	Message    string
	Detail     any
}

func (e *Error) Error() string {
	return fmt.Sprintf("arbiter: %s (%d): %s", e.Kind, e.StatusCode, e.Message)
}

// IsKind reports whether err is an arbiter Error of the given kind.
func IsKind(err error, kind string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsCommitNotFound returns true when a reveal names an unknown or
// already-consumed commitment.
func IsCommitNotFound(err error) bool { return IsKind(err, KindCommitNotFound) }

// IsTimeout returns true when the deliberation exceeded the server's
// request budget.
func IsTimeout(err error) bool { return IsKind(err, KindRequestTimeout) }

// IsInsufficientModels returns true when too few jury models produced
// usable responses to aggregate a verdict.
func IsInsufficientModels(err error) bool { return IsKind(err, KindInsufficientModels) }

// IsContentStoreUnavailable returns true when no gateway served a
// referenced CID.
func IsContentStoreUnavailable(err error) bool { return IsKind(err, KindContentStoreDown) }

// IsRateLimited returns true if the request was throttled (429).
func IsRateLimited(err error) bool { return IsKind(err, KindRateLimited) }
