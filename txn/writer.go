package txn

import "github.com/pingcap/errors"

// DurabilityMode controls how strongly a redo call must be persisted before
// it returns. See §3 of the spec.
type DurabilityMode int

const (
	// DurabilitySync requires the record to be durable (fsynced) before the
	// call returns.
	DurabilitySync DurabilityMode = iota
	// DurabilityNoSync requires the record to be in the writer's buffer
	// before return; durability follows eventually.
	DurabilityNoSync
	// DurabilityNoFlush allows the record to remain in the shared redo
	// buffer, undelivered to the writer.
	DurabilityNoFlush
	// DurabilityNoRedo skips the redo stream entirely.
	DurabilityNoRedo
)

func (m DurabilityMode) String() string {
	switch m {
	case DurabilitySync:
		return "SYNC"
	case DurabilityNoSync:
		return "NO_SYNC"
	case DurabilityNoFlush:
		return "NO_FLUSH"
	case DurabilityNoRedo:
		return "NO_REDO"
	default:
		return "UNKNOWN"
	}
}

// ParseDurabilityMode parses the lowercase config-file spelling of a
// DurabilityMode ("sync", "no_sync", "no_flush", "no_redo").
func ParseDurabilityMode(s string) (DurabilityMode, error) {
	switch s {
	case "sync":
		return DurabilitySync, nil
	case "no_sync":
		return DurabilityNoSync, nil
	case "no_flush":
		return DurabilityNoFlush, nil
	case "no_redo":
		return DurabilityNoRedo, nil
	default:
		return 0, errors.Errorf("txn: unknown durability mode %q", s)
	}
}

// LockMode mirrors the subset of lock modes the core cares about; see §3.
type LockMode int

const (
	LockUnsafe LockMode = iota
	LockReadUncommitted
	LockReadCommitted
	LockRepeatableRead
	LockUpgradableRead
)

// Writer is the RedoWriter collaborator contract from §4.2/§6. Production
// implementations (a file-backed redo log, a replicated writer) are external
// collaborators and out of scope for this module; FileWriter and MemWriter
// below are minimal reference implementations used by tests and the demo
// CLI.
type Writer interface {
	// OpWriteCheck may downgrade mode (e.g. a read-only replica forces
	// NO_REDO); the auto-commit and commit calls that take a mode call it
	// before writing any bytes.
	OpWriteCheck(mode DurabilityMode) (DurabilityMode, error)

	// Write appends buf[offset:offset+length] to the stream. If commitLen
	// is non-negative, the writer treats the write as ending a transaction
	// commit at that length and must perform whatever durability action its
	// mode requires before returning. Returns the stream position the
	// commit was durable at, or 0 if commitLen was -1.
	Write(buf []byte, offset, length int, commitLen int) (int64, error)

	// ShouldWriteTerminators reports whether this writer's stream is
	// self-synchronizing (replicated streams are; local redo files are
	// not).
	ShouldWriteTerminators() bool

	// LastTxnId is the writer's view of the stream's last-seen transaction
	// id. TransactionContext reads and writes this field directly, under
	// the writer's exclusive latch, to compute deltas relative to what the
	// writer has actually observed rather than what any one context has
	// locally encoded.
	LastTxnId() int64
	SetLastTxnId(id int64)

	// CloseCause returns the error that caused this writer to be closed, if
	// any; used to chain the first root cause into later write errors (§7).
	CloseCause() error

	// Lock acquires/releases the writer's exclusive latch (§5).
	Lock()
	Unlock()
}
