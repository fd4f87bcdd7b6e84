package timetable

import "errors"

// ══════════════════════════════════════════════════════════════════════════════
// SYNC ERROR TAXONOMY
// ══════════════════════════════════════════════════════════════════════════════

// Classified sync errors. Infrastructure wraps its failures into exactly one
// of these so the cache layer can decide between stale-snapshot fallback and
// propagation with errors.Is().
var (
	// ErrMissingCredential means the user has no upstream secret on file.
	// Fatal: no fallback, the caller must re-link credentials.
	ErrMissingCredential = errors.New("missing credential")

	// ErrDecryptFailed means the stored secret could not be opened.
	// Fatal: no fallback.
	ErrDecryptFailed = errors.New("credential decrypt failed")

	// ErrLoginFailed means the upstream session could not be established
	// for a reason other than rejected credentials.
	ErrLoginFailed = errors.New("upstream login failed")

	// ErrBadCredentials means the upstream rejected the stored credentials.
	ErrBadCredentials = errors.New("upstream rejected credentials")

	// ErrFetchFailed means an established session failed to deliver data
	// (transport, HTTP, or RPC error).
	ErrFetchFailed = errors.New("upstream fetch failed")
)

// Fallback reasons attached to a stale response. Credential problems are
// surfaced distinctly from transient unavailability.
const (
	FallbackBadCredentials = "BAD_CREDENTIALS"
	FallbackLoginFailed    = "LOGIN_FAILED"
	FallbackFetchFailed    = "FETCH_FAILED"
)

// RetryableSyncError reports whether a failed fetch may be absorbed by
// serving the latest persisted snapshot instead.
func RetryableSyncError(err error) bool {
	return errors.Is(err, ErrLoginFailed) ||
		errors.Is(err, ErrBadCredentials) ||
		errors.Is(err, ErrFetchFailed)
}

// SyncFallbackReason maps a retryable sync error to the reason reported
// alongside a stale response. Returns "" for errors that must propagate.
func SyncFallbackReason(err error) string {
	switch {
	case errors.Is(err, ErrBadCredentials):
		return FallbackBadCredentials
	case errors.Is(err, ErrLoginFailed):
		return FallbackLoginFailed
	case errors.Is(err, ErrFetchFailed):
		return FallbackFetchFailed
	default:
		return ""
	}
}
