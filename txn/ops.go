package txn

import (
	"github.com/pingcap/errors"

	"github.com/pingcap-incubator/redocore/redo"
)

// IndexId identifies the index (table/collection) an operation targets.
// The storage layer that assigns and resolves these ids is out of scope
// here; the core only ever treats an IndexId as an opaque 64-bit value to
// encode on the wire.
type IndexId int64

// internalIndexIdBound is the exclusive upper end of the id range a storage
// layer reserves for its own internal metadata trees (the index registry,
// the lock table's backing tree, and similar). IsInternalIndex uses it the
// same way the original engine's Tree.isInternal checks an id against its
// reserved range.
const internalIndexIdBound IndexId = 16

// IsInternalIndex reports whether ix names an internal metadata index
// rather than one a client created. Replay's change-notify hooks skip
// internal indexes, since a replication manager only cares about
// client-visible data.
func IsInternalIndex(ix IndexId) bool {
	return ix >= 0 && ix < internalIndexIdBound
}

// RedoStoreAutoCommit and friends below implement the non-transactional,
// single-operation redo calls from §4.1. Each is a complete unit: it
// acquires the writer's latch itself, appends one record (a nil value
// selects the matching delete opcode) and flushes it together with anything
// this context had already buffered. Under DurabilitySync the flush is a
// commit whose durable position is returned; under the other modes it is a
// plain write and the position returned is 0.

// RedoStoreAutoCommit redo-logs an untransacted store and durably commits it
// per mode.
func (c *TransactionContext) RedoStoreAutoCommit(w Writer, mode DurabilityMode, ix IndexId, key, value []byte) (int64, error) {
	return c.writeAutoCommit(w, mode, redo.OpStore, ix, key, value)
}

// RedoDeleteAutoCommit redo-logs an untransacted delete and durably commits
// it per mode.
func (c *TransactionContext) RedoDeleteAutoCommit(w Writer, mode DurabilityMode, ix IndexId, key []byte) (int64, error) {
	return c.writeAutoCommit(w, mode, redo.OpDelete, ix, key, nil)
}

// RedoStoreNoLockAutoCommit is identical to RedoStoreAutoCommit except the
// record is tagged NO_LOCK, telling a replica replaying it that the
// original writer bypassed normal locking (used for operations the lock
// manager never sees, like background index maintenance).
func (c *TransactionContext) RedoStoreNoLockAutoCommit(w Writer, mode DurabilityMode, ix IndexId, key, value []byte) (int64, error) {
	return c.writeAutoCommit(w, mode, redo.OpStoreNoLock, ix, key, value)
}

// RedoDeleteNoLockAutoCommit is the NO_LOCK counterpart to
// RedoDeleteAutoCommit.
func (c *TransactionContext) RedoDeleteNoLockAutoCommit(w Writer, mode DurabilityMode, ix IndexId, key []byte) (int64, error) {
	return c.writeAutoCommit(w, mode, redo.OpDeleteNoLock, ix, key, nil)
}

func (c *TransactionContext) writeAutoCommit(w Writer, mode DurabilityMode, op redo.Op, ix IndexId, key, value []byte) (int64, error) {
	mode, err := w.OpWriteCheck(mode)
	if err != nil {
		return 0, err
	}
	if mode == DurabilityNoRedo {
		return 0, nil
	}

	if value == nil {
		switch op {
		case redo.OpStore:
			op = redo.OpDelete
		case redo.OpStoreNoLock:
			op = redo.OpDeleteNoLock
		}
	}

	c.acquire()
	c.writeOp(op)
	c.writeInt64(int64(ix))
	c.writeBytes(key)
	if value != nil {
		c.writeBytes(value)
	}
	c.writeTerminator(w, c.lastTxnId)
	commitLen := -1
	if mode == DurabilitySync {
		commitLen = c.pos
	}
	w.Lock()
	pos, err := c.flush(w, commitLen)
	w.Unlock()
	c.release()
	return pos, err
}

// RedoRenameIndexCommitFinal and RedoDeleteIndexCommitFinal are
// transactional in the sense that they carry a transaction id (needed so a
// replica applies them in the correct causal position relative to other
// work by the same transaction) but are always immediately final: an index
// rename or drop cannot be partially rolled back once logged.
func (c *TransactionContext) RedoRenameIndexCommitFinal(w Writer, txnId int64, ix IndexId, newName []byte) (int64, error) {
	return c.writeTxnCommitFinal(w, redo.OpRenameIndex, txnId, func() {
		c.writeInt64(int64(ix))
		c.writeBytes(newName)
	})
}

func (c *TransactionContext) RedoDeleteIndexCommitFinal(w Writer, txnId int64, ix IndexId) (int64, error) {
	return c.writeTxnCommitFinal(w, redo.OpDeleteIndex, txnId, func() {
		c.writeInt64(int64(ix))
	})
}

// RedoEnter marks the start of a transaction's redo presence in the stream.
// It is not itself durable; durability is forced only at commit.
func (c *TransactionContext) RedoEnter(w Writer, txnId int64) error {
	c.acquire()
	defer c.release()
	c.writeTxnOp(redo.OpTxnEnter, txnId)
	c.writeTerminator(w, txnId)
	return nil
}

// RedoStore buffers a transactional store; it becomes visible to a replica
// only once the transaction commits.
func (c *TransactionContext) RedoStore(w Writer, txnId int64, ix IndexId, key, value []byte) error {
	c.acquire()
	defer c.release()
	c.writeTxnOp(redo.OpTxnStore, txnId)
	c.writeInt64(int64(ix))
	c.writeBytes(key)
	c.writeBytes(value)
	c.writeTerminator(w, txnId)
	return nil
}

// RedoDelete buffers a transactional delete.
func (c *TransactionContext) RedoDelete(w Writer, txnId int64, ix IndexId, key []byte) error {
	c.acquire()
	defer c.release()
	c.writeTxnOp(redo.OpTxnDelete, txnId)
	c.writeInt64(int64(ix))
	c.writeBytes(key)
	c.writeTerminator(w, txnId)
	return nil
}

// RedoStoreCommitFinal buffers a store that is also the transaction's final
// commit, and flushes it durably per mode.
func (c *TransactionContext) RedoStoreCommitFinal(w Writer, mode DurabilityMode, txnId int64, ix IndexId, key, value []byte) (int64, error) {
	mode, err := w.OpWriteCheck(mode)
	if err != nil {
		return 0, err
	}
	return c.writeTxnCommitFinalMode(w, mode, redo.OpTxnStoreCommitFinal, txnId, func() {
		c.writeInt64(int64(ix))
		c.writeBytes(key)
		c.writeBytes(value)
	})
}

// RedoDeleteCommitFinal is the delete counterpart to RedoStoreCommitFinal.
func (c *TransactionContext) RedoDeleteCommitFinal(w Writer, mode DurabilityMode, txnId int64, ix IndexId, key []byte) (int64, error) {
	mode, err := w.OpWriteCheck(mode)
	if err != nil {
		return 0, err
	}
	return c.writeTxnCommitFinalMode(w, mode, redo.OpTxnDeleteCommitFinal, txnId, func() {
		c.writeInt64(int64(ix))
		c.writeBytes(key)
	})
}

// RedoCommit flushes everything this context has buffered, as a durable
// commit under DurabilitySync and as a plain write otherwise, but leaves the
// transaction open (more operations, and eventually a final
// commit or rollback, may follow).
func (c *TransactionContext) RedoCommit(w Writer, mode DurabilityMode, txnId int64) (int64, error) {
	mode, err := w.OpWriteCheck(mode)
	if err != nil {
		return 0, err
	}
	return c.writeTxnCommitFinalMode(w, mode, redo.OpTxnCommit, txnId, func() {})
}

// RedoCommitFinal is RedoCommit for a transaction that is now fully done:
// the caller must unregister any undo log for txnId once this returns.
func (c *TransactionContext) RedoCommitFinal(w Writer, mode DurabilityMode, txnId int64) (int64, error) {
	mode, err := w.OpWriteCheck(mode)
	if err != nil {
		return 0, err
	}
	return c.writeTxnCommitFinalMode(w, mode, redo.OpTxnCommitFinal, txnId, func() {})
}

// RedoRollback logs a partial rollback (to a savepoint) and flushes it
// immediately, without a commit length: a rollback can release locks that
// records written later by other transactions go on to acquire, so it must
// reach the stream ahead of them.
func (c *TransactionContext) RedoRollback(w Writer, txnId int64) error {
	c.acquire()
	defer c.release()
	c.writeTxnOp(redo.OpTxnRollback, txnId)
	c.writeTerminator(w, txnId)
	w.Lock()
	_, err := c.flush(w, -1)
	w.Unlock()
	return err
}

// RedoRollbackFinal logs and immediately flushes a transaction's full
// rollback. Unlike commits, a final rollback is flushed NO_SYNC regardless
// of the transaction's configured mode: losing the very last bytes of a
// rollback after a crash just means recovery rolls it back again, which is
// idempotent, so there is nothing worth blocking on here.
func (c *TransactionContext) RedoRollbackFinal(w Writer, txnId int64) (int64, error) {
	return c.writeTxnCommitFinalMode(w, DurabilityNoSync, redo.OpTxnRollbackFinal, txnId, func() {})
}

// RedoLockShared, RedoLockUpgradable and RedoLockExclusive record a lock
// acquisition a replica must also perform before replaying later operations
// by the same transaction, preserving lock ordering across a failover.
func (c *TransactionContext) RedoLockShared(w Writer, txnId int64, ix IndexId, key []byte) error {
	return c.writeTxnLock(w, redo.OpTxnLockShared, txnId, ix, key)
}

func (c *TransactionContext) RedoLockUpgradable(w Writer, txnId int64, ix IndexId, key []byte) error {
	return c.writeTxnLock(w, redo.OpTxnLockUpgradable, txnId, ix, key)
}

func (c *TransactionContext) RedoLockExclusive(w Writer, txnId int64, ix IndexId, key []byte) error {
	return c.writeTxnLock(w, redo.OpTxnLockExclusive, txnId, ix, key)
}

func (c *TransactionContext) writeTxnLock(w Writer, op redo.Op, txnId int64, ix IndexId, key []byte) error {
	c.acquire()
	defer c.release()
	c.writeTxnOp(op, txnId)
	c.writeInt64(int64(ix))
	c.writeBytes(key)
	c.writeTerminator(w, txnId)
	return nil
}

// RedoCustom and RedoCustomLock carry an application-defined payload through
// the redo stream, replayed by a TransactionHandler collaborator (§6) rather
// than interpreted by the core. CustomLock additionally names the key whose
// lock must be held before the payload is replayed.
func (c *TransactionContext) RedoCustom(w Writer, txnId int64, message []byte) error {
	c.acquire()
	defer c.release()
	c.writeTxnOp(redo.OpTxnCustom, txnId)
	c.writeBytes(message)
	c.writeTerminator(w, txnId)
	return nil
}

func (c *TransactionContext) RedoCustomLock(w Writer, txnId int64, ix IndexId, key, message []byte) error {
	c.acquire()
	defer c.release()
	c.writeTxnOp(redo.OpTxnCustomLock, txnId)
	c.writeInt64(int64(ix))
	c.writeBytes(key)
	c.writeBytes(message)
	c.writeTerminator(w, txnId)
	return nil
}

// RedoTimestamp and the Nop/Reset markers below are non-transactional
// bookkeeping records; see §4.1 and §6.
func (c *TransactionContext) RedoTimestamp(w Writer, value int64) error {
	c.acquire()
	defer c.release()
	c.writeOp(redo.OpTimestamp)
	c.writeInt64(value)
	c.writeTerminator(w, c.lastTxnId)
	w.Lock()
	_, err := c.flush(w, -1)
	w.Unlock()
	return err
}

// doRedoNopRandom writes a padding record of random-looking content, used
// by callers that need to advance the stream position by a known amount
// without otherwise affecting replay (e.g. periodic keep-alives).
func (c *TransactionContext) doRedoNopRandom(w Writer, value int64) error {
	c.acquire()
	defer c.release()
	c.writeOp(redo.OpNopRandom)
	c.writeInt64(value)
	c.writeTerminator(w, c.lastTxnId)
	w.Lock()
	_, err := c.flush(w, -1)
	w.Unlock()
	return err
}

// RedoReset flushes whatever this context had buffered, then zeroes both
// this context's and the writer's last-seen transaction id and writes an
// OpReset record, so the next transactional id is encoded relative to 0. Called when switching to a brand new redo stream
// (e.g. after a checkpoint or a replication leadership change).
func (c *TransactionContext) RedoReset(w Writer) error {
	c.acquire()
	defer c.release()
	w.Lock()
	defer w.Unlock()
	if _, err := c.flush(w, -1); err != nil {
		return err
	}
	c.lastTxnId = 0
	w.SetLastTxnId(0)
	c.writeOp(redo.OpReset)
	c.writeTerminator(w, 0)
	_, err := c.flush(w, -1)
	return err
}

func (c *TransactionContext) writeTxnCommitFinal(w Writer, op redo.Op, txnId int64, body func()) (int64, error) {
	return c.writeTxnCommitFinalMode(w, DurabilitySync, op, txnId, body)
}

func (c *TransactionContext) writeTxnCommitFinalMode(w Writer, mode DurabilityMode, op redo.Op, txnId int64, body func()) (int64, error) {
	if mode == DurabilityNoRedo {
		return 0, nil
	}
	c.acquire()
	c.writeTxnOp(op, txnId)
	body()
	c.writeTerminator(w, txnId)
	commitLen := -1
	if mode == DurabilitySync {
		commitLen = c.pos
	}
	w.Lock()
	pos, err := c.flush(w, commitLen)
	w.Unlock()
	c.release()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return pos, nil
}
