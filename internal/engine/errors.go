package engine

import "errors"

var (
	// ErrSyncInProgress is returned when a sync is already running and
	// the caller did not force.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrNoConnectivity is returned when the remote is unreachable and
	// the caller did not force.
	ErrNoConnectivity = errors.New("no connectivity")

	// ErrPaused is returned while the engine is paused.
	ErrPaused = errors.New("sync is paused")

	// ErrCancelled reports cooperative cancellation. Not a failure:
	// completed work stays committed and a retry is idempotent.
	ErrCancelled = errors.New("sync cancelled")
)
