package sync

import (
	"errors"
	"fmt"
)

// Sentinel errors. Use errors.Is to classify.
var (
	// ErrStaleWrite means the store detected a concurrent modification while
	// committing a batch. Retried within the pass, then by the scheduler.
	ErrStaleWrite = errors.New("sync: stale write conflict")

	// ErrLockContention means another execution owns the stream.
	ErrLockContention = errors.New("sync: stream is locked by another execution")

	// ErrAccountNotFound is returned for unknown account IDs.
	ErrAccountNotFound = errors.New("sync: account not found")

	// ErrNamespaceNotFound is returned when filtering by an unknown namespace.
	ErrNamespaceNotFound = errors.New("sync: namespace not found")

	// ErrNoSource means the engine has no Source for a stream kind.
	ErrNoSource = errors.New("sync: no source configured for stream kind")

	// ErrStreamStuck is returned when a pass is asked to run a stream that an
	// operator has not yet cleared after a StuckStreamError.
	ErrStreamStuck = errors.New("sync: stream is marked stuck")
)

// FetchError is a transient source failure. The pass aborts without
// committing and the cursor stays put.
type FetchError struct {
	Stream  StreamKey
	ScopeID string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("sync: fetching %s scope %q: %v", e.Stream, e.ScopeID, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// MalformedItemError rejects a whole batch because one item is unusable.
type MalformedItemError struct {
	Index  int
	UID    string
	Reason string
}

func (e *MalformedItemError) Error() string {
	return fmt.Sprintf("sync: malformed item at index %d (uid %q): %s", e.Index, e.UID, e.Reason)
}

// StuckStreamError means the page size ceiling was exceeded without the
// cursor advancing. Fatal for the stream; never requeued automatically.
type StuckStreamError struct {
	Stream   StreamKey
	ScopeID  string
	Cursor   Cursor
	PageSize int
}

func (e *StuckStreamError) Error() string {
	return fmt.Sprintf("sync: stream %s scope %q stuck at cursor %s (page size %d did not advance)",
		e.Stream, e.ScopeID, e.Cursor, e.PageSize)
}

// IsRetryable reports whether the scheduler should retry a pass that failed
// with err. Malformed input and stuck streams need an operator.
func IsRetryable(err error) bool {
	var (
		malformed *MalformedItemError
		stuckErr  *StuckStreamError
	)

	switch {
	case err == nil:
		return false
	case errors.As(err, &malformed), errors.As(err, &stuckErr):
		return false
	case errors.Is(err, ErrStreamStuck), errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrLockContention), errors.Is(err, ErrNoSource):
		return false
	default:
		// Fetch errors, stale writes and unclassified storage errors.
		return true
	}
}
