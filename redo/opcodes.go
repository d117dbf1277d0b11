// Package redo defines the wire-level opcode alphabet for the redo log and the
// low-level encoding primitives (varlong deltas, length-prefixed operands,
// terminator hashing) that every redo record is built from.
//
// Nothing in this package touches a buffer that belongs to a transaction or a
// writer; it only knows how to turn values into bytes and back. That state
// lives in package txn (TransactionContext) and package replay (the decoder).
package redo

// Op is a single wire-level opcode byte.
type Op byte

// The opcode alphabet. Transactional opcodes (see IsTxnOp) are always
// followed by a signed varlong delta from the writer's last-seen transaction
// id; non-transactional opcodes never carry a txn id.
const (
	OpReset     Op = 1
	OpTimestamp Op = 2
	OpShutdown  Op = 3
	OpClose     Op = 4
	OpEndFile   Op = 5
	OpNopRandom Op = 6

	OpStore       Op = 10
	OpDelete      Op = 11
	OpStoreNoLock Op = 12
	OpDeleteNoLock Op = 13

	OpRenameIndex Op = 20
	OpDeleteIndex Op = 21

	OpTxnEnter           Op = 30
	OpTxnRollback        Op = 31
	OpTxnRollbackFinal   Op = 32
	OpTxnCommit          Op = 33
	OpTxnCommitFinal     Op = 34
	OpTxnStore           Op = 35
	OpTxnDelete          Op = 36
	OpTxnStoreCommitFinal  Op = 37
	OpTxnDeleteCommitFinal Op = 38
	OpTxnLockShared      Op = 39
	OpTxnLockUpgradable  Op = 40
	OpTxnLockExclusive   Op = 41
	OpTxnCustom          Op = 42
	OpTxnCustomLock      Op = 43
)

// IsTxnOp reports whether op is always followed on the wire by a signed
// varlong transaction-id delta. Auto-commit OpStore/OpDelete and the
// non-transactional markers are not txn ops; everything that mutates or
// observes transaction state is.
func IsTxnOp(op Op) bool {
	switch op {
	case OpTxnEnter, OpTxnRollback, OpTxnRollbackFinal, OpTxnCommit, OpTxnCommitFinal,
		OpTxnStore, OpTxnDelete, OpTxnStoreCommitFinal, OpTxnDeleteCommitFinal,
		OpTxnLockShared, OpTxnLockUpgradable, OpTxnLockExclusive,
		OpTxnCustom, OpTxnCustomLock, OpRenameIndex, OpDeleteIndex:
		return true
	default:
		return false
	}
}

// String gives a human name for logging; never relied on for wire decoding.
func (o Op) String() string {
	switch o {
	case OpReset:
		return "RESET"
	case OpTimestamp:
		return "TIMESTAMP"
	case OpShutdown:
		return "SHUTDOWN"
	case OpClose:
		return "CLOSE"
	case OpEndFile:
		return "END_FILE"
	case OpNopRandom:
		return "NOP_RANDOM"
	case OpStore:
		return "STORE"
	case OpDelete:
		return "DELETE"
	case OpStoreNoLock:
		return "STORE_NO_LOCK"
	case OpDeleteNoLock:
		return "DELETE_NO_LOCK"
	case OpRenameIndex:
		return "RENAME_INDEX"
	case OpDeleteIndex:
		return "DELETE_INDEX"
	case OpTxnEnter:
		return "TXN_ENTER"
	case OpTxnRollback:
		return "TXN_ROLLBACK"
	case OpTxnRollbackFinal:
		return "TXN_ROLLBACK_FINAL"
	case OpTxnCommit:
		return "TXN_COMMIT"
	case OpTxnCommitFinal:
		return "TXN_COMMIT_FINAL"
	case OpTxnStore:
		return "TXN_STORE"
	case OpTxnDelete:
		return "TXN_DELETE"
	case OpTxnStoreCommitFinal:
		return "TXN_STORE_COMMIT_FINAL"
	case OpTxnDeleteCommitFinal:
		return "TXN_DELETE_COMMIT_FINAL"
	case OpTxnLockShared:
		return "TXN_LOCK_SHARED"
	case OpTxnLockUpgradable:
		return "TXN_LOCK_UPGRADABLE"
	case OpTxnLockExclusive:
		return "TXN_LOCK_EXCLUSIVE"
	case OpTxnCustom:
		return "TXN_CUSTOM"
	case OpTxnCustomLock:
		return "TXN_CUSTOM_LOCK"
	default:
		return "UNKNOWN"
	}
}
