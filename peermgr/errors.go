package peermgr

import "errors"

var (
	// ErrUnknownPeer is returned when an operation names a peer that is
	// not currently held where the operation requires it to be.
	ErrUnknownPeer = errors.New("peer not held by candidate supplier")

	// ErrCapacityExceeded is returned when a promotion is attempted at
	// the connection limit without a valid eviction decision. It is fatal
	// to that operation, not to the pool.
	ErrCapacityExceeded = errors.New("promoted peer capacity exceeded")

	// ErrNoQualifyingPeer is returned when no promoted peer satisfies the
	// requested capabilities within the discovery timeout. Recoverable;
	// the caller may retry once new peers are promoted.
	ErrNoQualifyingPeer = errors.New("no supported peers")

	// ErrIrreplaceablePeer is returned by Replace when the outgoing peer
	// uniquely provides a capability the pool depends on.
	ErrIrreplaceablePeer = errors.New("peer uniquely provides a needed " +
		"capability")

	// ErrStopTimeout is returned when graceful shutdown does not
	// converge within its budget. The pool is left in a best-effort
	// stopped state and remaining entries are logged as leaks.
	ErrStopTimeout = errors.New("pool stop did not converge in time")

	// ErrManagerStopped is returned when an operation is attempted on a
	// manager that is shutting down.
	ErrManagerStopped = errors.New("peer manager has stopped")
)
