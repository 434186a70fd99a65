package artifact

import (
	"context"

	"github.com/jmgilman/go/errors"
)

// Error codes for artifact operations. They extend the platform codes from
// github.com/jmgilman/go/errors.
const (
	// CodeFetchFailed indicates the remote source failed to deliver the
	// artifact. Retryability is inherited from the underlying cause.
	CodeFetchFailed errors.ErrorCode = "FETCH_FAILED"

	// CodeStorageIOFailed indicates a local filesystem operation failed.
	CodeStorageIOFailed errors.ErrorCode = "STORAGE_IO_FAILED"

	// CodeInvalidStateTransition indicates an operation was requested from a
	// state that does not allow it, e.g. removing an artifact that is not
	// saved.
	CodeInvalidStateTransition errors.ErrorCode = "INVALID_STATE_TRANSITION"

	// CodeConcurrentFetchTimeout indicates a caller gave up waiting on a fetch
	// owned by someone else. It is retryable.
	CodeConcurrentFetchTimeout errors.ErrorCode = "CONCURRENT_FETCH_TIMEOUT"
)

// FetchFailed wraps a remote source failure.
func FetchFailed(err error, id ID) error {
	return errors.WrapWithContext(err, CodeFetchFailed, "failed to fetch artifact", map[string]interface{}{
		"id": string(id),
	})
}

// StorageIOFailed wraps a local filesystem failure on path.
func StorageIOFailed(err error, op, path string) error {
	return errors.WrapWithContext(err, CodeStorageIOFailed, op+" failed", map[string]interface{}{
		"path": path,
	})
}

// InvalidStateTransition reports that op cannot run while the artifact is in
// state from.
func InvalidStateTransition(id ID, op string, from State) error {
	return errors.WithContextMap(
		errors.Newf(CodeInvalidStateTransition, "cannot %s artifact in state %s", op, from),
		map[string]interface{}{
			"id":    string(id),
			"state": from.String(),
		},
	)
}

// ConcurrentFetchTimeout reports that waiting on another caller's fetch of id
// did not finish before cause ended the wait.
func ConcurrentFetchTimeout(cause error, id ID) error {
	if cause == nil {
		cause = context.DeadlineExceeded
	}
	inner := errors.Wrap(cause, errors.CodeTimeout, "wait for in-flight fetch ended")
	return errors.WrapWithContext(inner, CodeConcurrentFetchTimeout, "timed out waiting for concurrent fetch", map[string]interface{}{
		"id": string(id),
	})
}

// IsFetchFailed reports whether err is a fetch failure.
func IsFetchFailed(err error) bool {
	return errors.GetCode(err) == CodeFetchFailed
}

// IsStorageIOFailed reports whether err is a storage failure.
func IsStorageIOFailed(err error) bool {
	return errors.GetCode(err) == CodeStorageIOFailed
}

// IsInvalidStateTransition reports whether err is an invalid state transition.
func IsInvalidStateTransition(err error) bool {
	return errors.GetCode(err) == CodeInvalidStateTransition
}

// IsConcurrentFetchTimeout reports whether err is a concurrent fetch timeout.
func IsConcurrentFetchTimeout(err error) bool {
	return errors.GetCode(err) == CodeConcurrentFetchTimeout
}
