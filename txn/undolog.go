package txn

// UndoLog records the compensating actions needed to roll a transaction
// back, or to finish rolling it back after a crash. The core does not
// dictate how undo entries are laid out on disk or in memory (that is the
// storage engine's concern, out of scope here); UndoLog is the thin handle
// TransactionContext registers and unregisters as transactions come and go,
// and is what a recovery pass walks to find every transaction still owed a
// rollback.
type UndoLog struct {
	txnId  int64
	handle undoHandle

	// Rollback performs the log's compensating actions. Supplied by the
	// owning transaction; nil for a log that only needs bookkeeping (no
	// undoable operations were ever appended).
	Rollback func() error
}

// TxnId returns the id of the transaction this log belongs to.
func (u *UndoLog) TxnId() int64 { return u.txnId }
