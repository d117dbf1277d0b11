package txn

import "github.com/pingcap/errors"

// Sentinel errors from §7. Callers distinguish these with errors.Is; the
// root cause of an UnmodifiableReplica or Database failure, if any, is
// chained on with errors.WithMessage/errors.Wrap rather than losing it.
var (
	// ErrClosedIndex is recoverable: the caller may reopen the index and
	// retry.
	ErrClosedIndex = errors.New("txn: index is closed")

	// ErrUnmodifiableReplica means this member is a replica and cannot
	// accept writes; terminal for the calling operation, and intentionally
	// not logged loudly by callers that expect to see it routinely.
	ErrUnmodifiableReplica = errors.New("txn: unmodifiable replica")

	// ErrDatabase wraps an unrecoverable storage failure.
	ErrDatabase = errors.New("txn: database error")

	// ErrIllegalArgument flags a caller contract violation (e.g. committing
	// a transaction that never entered scope).
	ErrIllegalArgument = errors.New("txn: illegal argument")

	// ErrPanic marks a failure severe enough that the owning writer should
	// be considered permanently closed; see Writer.CloseCause.
	ErrPanic = errors.New("txn: panic")
)
