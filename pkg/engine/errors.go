package engine

import "errors"

// Sentinel errors surfaced to the state machine facade, which translates
// them into replication.Status codes delivered back through a closure.
var (
	// ErrDecode is returned when an operation's payload cannot be
	// interpreted, e.g. a malformed lock record read back from storage.
	ErrDecode = errors.New("engine: failed to decode operation payload")

	// ErrIllegalOperation is returned when an operation kind is routed to a
	// handler that does not support it.
	ErrIllegalOperation = errors.New("engine: illegal operation for this handler")

	// ErrStorage wraps a failure from the underlying memtable/SSTable/WAL
	// stack.
	ErrStorage = errors.New("engine: storage failure")

	// ErrSnapshotIO is returned when a snapshot save/load fails for an I/O
	// reason rather than a data-integrity reason.
	ErrSnapshotIO = errors.New("engine: snapshot I/O failure")

	// ErrStaleSnapshot is returned when a snapshot's recorded applied index
	// is behind the engine's own, meaning loading it would move state
	// backwards.
	ErrStaleSnapshot = errors.New("engine: snapshot is stale")

	// ErrLatched names the permanent failure state that follows an
	// unrecoverable apply error. No engine call returns it: the latch is kept
	// by the driver, which fails closures with a status message instead.
	ErrLatched = errors.New("engine: state machine is latched in an error state")

	// ErrLockHeld is returned by TryLock when the lock is already held by a
	// different acquirer whose lease has not expired.
	ErrLockHeld = errors.New("engine: lock is held by another acquirer")

	// ErrKeepLeaseFail is returned by TryLock when keepLease=true is asked
	// of a lock that either doesn't exist or has already expired; renewal
	// never creates or revives a lock.
	ErrKeepLeaseFail = errors.New("engine: keepLease requested but no live lock to renew")

	// ErrNotOwner is returned by Release when the caller is not the
	// current holder of a live lock.
	ErrNotOwner = errors.New("engine: release attempted by a non-owner")

	// ErrKeyNotFound is not returned by GET: a key with no live value is
	// reported as a successful read with Found set to false.
	ErrKeyNotFound = errors.New("engine: key not found")
)
