package domain

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sync Error Taxonomy
// ============================================================================
//
// Classification drives retry policy in the reconciliation engine: retryable
// failures are retried in-pass and again on the next notification, fatal
// failures are recorded per run_id and skipped until the source changes.

var (
	// ErrResolution wraps adapter read failures while resolving registry
	// state. Always retryable; a pass that cannot resolve state aborts.
	ErrResolution = errors.New("registry state resolution failed")

	// ErrRepackaging wraps malformed-bundle and unsupported-flavor failures.
	// Fatal for the affected run_id, never blocks other run_ids.
	ErrRepackaging = errors.New("artifact repackaging failed")

	// ErrStorage wraps transient artifact store write failures. Retryable.
	ErrStorage = errors.New("artifact storage failed")

	// ErrRegistration wraps target registry write failures. Retryable unless
	// the adapter marked the error fatal (authorization, not-found).
	ErrRegistration = errors.New("target registration failed")
)

var errNotRetryable = errors.New("not retryable")

// MarkFatal flags err as not retryable regardless of its class. Adapters use
// it for authorization, validation and not-found failures.
func MarkFatal(err error) error {
	return fmt.Errorf("%w: %w", errNotRetryable, err)
}

// Retryable reports whether err is worth retrying. Unclassified errors are
// treated as not retryable.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, errNotRetryable) || errors.Is(err, ErrRepackaging) {
		return false
	}
	return errors.Is(err, ErrResolution) ||
		errors.Is(err, ErrStorage) ||
		errors.Is(err, ErrRegistration)
}

// ============================================================================
// Request Validation Errors
// ============================================================================

var (
	ErrInvalidModelName  = errors.New("model name is required")
	ErrMissingSignature  = errors.New("webhook signature header is missing")
	ErrInvalidSignature  = errors.New("webhook signature mismatch")
	ErrHistoryNotEnabled = errors.New("sync history is not enabled")
	ErrSyncRunNotFound   = errors.New("sync run not found")
)
