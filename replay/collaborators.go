// Package replay implements the replica side of the redo stream: a
// decoder that pulls opcodes off an io.Reader and an engine that replays
// each one against the local database, fanning work out across a bounded
// worker pool while preserving per-transaction ordering.
package replay

import (
	"github.com/pingcap-incubator/redocore/txn"
)

// LocalTransaction is the subset of the local transaction object the
// engine drives directly while replaying. A real implementation wraps
// whatever lock manager and undo log machinery the storage engine uses;
// here it is a collaborator interface, not something this module
// implements.
type LocalTransaction interface {
	Enter() error
	Exit() error
	Commit() error
	CommitAll() error
	Reset() error

	LockShared(ix txn.IndexId, key []byte) error
	LockUpgradable(ix txn.IndexId, key []byte) error
	LockExclusive(ix txn.IndexId, key []byte) error

	// RecoveryCleanup finishes or rolls back whatever this transaction had
	// pending before a restart. rollback is true when the transaction's
	// outcome was never durably recorded and must be undone; it reports
	// whether the transaction still has work registered afterward.
	RecoveryCleanup(rollback bool) (bool, error)

	Attach(tag string)
	SetDurabilityMode(mode txn.DurabilityMode)
	LockMode() txn.LockMode
}

// LocalDatabase opens indexes by id and creates per-transaction objects.
type LocalDatabase interface {
	OpenIndex(ix txn.IndexId) (Index, error)
	RenameIndex(ix txn.IndexId, newName []byte, txnId int64) error
	DeleteIndex(ix txn.IndexId, txnId int64) error

	NewTransaction() LocalTransaction
	// TransactionFor returns the LocalTransaction for an in-flight txnId,
	// creating it if this is the first operation seen for it.
	TransactionFor(txnId int64) LocalTransaction
	// RemoveTransaction drops bookkeeping for a finished txnId.
	RemoveTransaction(txnId int64)
}

// Index is the minimal surface the engine needs from an opened index to
// apply store/delete records.
type Index interface {
	Store(t LocalTransaction, key, value []byte) error
	Delete(t LocalTransaction, key []byte) error
	// StoreNoLock and DeleteNoLock bypass the transaction's lock
	// acquisition, for NO_LOCK records (see redo.OpStoreNoLock).
	StoreNoLock(key, value []byte) error
	DeleteNoLock(key []byte) error
}

// TransactionHandler replays OpTxnCustom/OpTxnCustomLock payloads. The
// core never interprets the message bytes; it only routes them here in
// the correct transaction-relative order.
type TransactionHandler interface {
	Redo(t LocalTransaction, message []byte) error
	RedoLock(t LocalTransaction, ix txn.IndexId, key, message []byte) error
}

// ReplicationManager is the source of the byte stream being replayed and the
// target of the change-notify hooks the engine fires as it applies each
// store, delete, rename, or drop; see §4.3, §6.
type ReplicationManager interface {
	// ReadPosition reports where in the stream this member should resume
	// decoding from, e.g. after a restart.
	ReadPosition() int64

	// NotifyStore is called once a store or delete (value == nil) has been
	// durably applied to a non-internal index. Hook failures are caught by
	// the caller and never abort replay; see §7.
	NotifyStore(ix txn.IndexId, key, value []byte) error
	// NotifyRename is called once an index rename has been applied.
	NotifyRename(ix txn.IndexId, newName []byte, txnId int64) error
	// NotifyDrop is called once an index drop has been applied.
	NotifyDrop(ix txn.IndexId, txnId int64) error

	// Failover is invoked once decoding reaches a point where this member
	// should stop being a replica (e.g. it was promoted to leader).
	Failover()
}

// EventListener receives textual notices about suspend/resume/failure, the
// same role the logger plays elsewhere in this codebase (see log.Info and
// friends); kept as its own interface because a storage engine embedding
// this package may want to route these notices somewhere other than the
// process log.
type EventListener interface {
	Notify(level, message string)
}
