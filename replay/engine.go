package replay

import (
	"io"
	"runtime"
	"sync"

	"github.com/pingcap/errors"

	"github.com/pingcap-incubator/redocore/redo"
	"github.com/pingcap-incubator/redocore/txn"
	"github.com/pingcap-incubator/redocore/workergroup"
)

// Engine replays a redo stream against a local database, overlapping the
// apply cost of unrelated transactions across a worker pool while keeping
// each transaction's own operations strictly in log order. It is the
// replica-side counterpart to txn.TransactionContext: where that type
// generates the stream, Engine consumes it.
type Engine struct {
	db       LocalDatabase
	repl     ReplicationManager
	handler  TransactionHandler
	listener EventListener

	workers *workergroup.Group
	// confirmedByWorker[i] tracks how far worker i has durably applied the
	// stream, as a (position, txnId) pair; see Confirmed.
	confirmedByWorker []txn.Confirmed

	idxCache *indexCache

	mu        sync.Mutex // guards failCause and the dec pointer set by Run
	dec       *decoder
	table     *txnTable // decoder-goroutine-only
	failCause error
}

// Config bundles an Engine's collaborators.
type Config struct {
	Database            LocalDatabase
	ReplicationManager  ReplicationManager
	TransactionHandler  TransactionHandler
	EventListener       EventListener
	Workers             int
	WorkerQueueCapacity int
}

// NewEngine constructs an Engine; it does not start decoding until Run is
// called.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Workers == 0 {
		cfg.Workers = runtime.NumCPU()
	} else if cfg.Workers < 0 {
		cfg.Workers = -cfg.Workers * runtime.NumCPU()
	}
	e := &Engine{
		db:                cfg.Database,
		repl:              cfg.ReplicationManager,
		handler:           cfg.TransactionHandler,
		listener:          cfg.EventListener,
		workers:           workergroup.New(cfg.Workers, cfg.WorkerQueueCapacity),
		confirmedByWorker: make([]txn.Confirmed, cfg.Workers),
		table:             newTxnTable(),
	}
	cache, err := newIndexCache(e.db.OpenIndex)
	if err != nil {
		return nil, err
	}
	e.idxCache = cache
	return e, nil
}

func (e *Engine) notify(level, msg string) {
	if e.listener != nil {
		e.listener.Notify(level, msg)
	}
}

// Run decodes r on the calling goroutine until it reaches a clean end of
// stream, the decoder is disabled, a record fails to decode or to be
// dispatched, or a worker task has failed (checked before each record, and
// returned as Err). Exactly one goroutine may call Run (or be inside a
// Suspend/Resume cycle) at a time.
func (e *Engine) Run(r io.Reader, readTerminators bool) error {
	e.mu.Lock()
	e.dec = newDecoder(r, readTerminators)
	dec := e.dec
	e.mu.Unlock()

	var position int64
	for {
		if dec.checkpoint() {
			return nil
		}
		if err := e.Err(); err != nil {
			return err
		}
		rec, err := dec.next()
		if err != nil {
			if errors.Cause(err) == io.EOF {
				e.workers.Join()
				e.reset()
				dec.Disable()
				if e.repl != nil {
					e.repl.Failover()
				}
				return nil
			}
			e.fail(err)
			return err
		}
		position += recordWireLen(rec)
		if err := e.visit(rec, position); err != nil {
			e.fail(err)
			return err
		}
	}
}

// Confirmed returns the highest (position, txnId) pair every worker is
// guaranteed to have applied: the lowest of the per-worker watermarks, since
// a worker that has fallen behind is proof the stream isn't durable past
// that point yet. An embedder persists this on its own schedule to know
// where to resume decoding after a restart.
func (e *Engine) Confirmed() (int64, int64) {
	pos, txnId := e.confirmedByWorker[0].PositionAndTxnId()
	for i := 1; i < len(e.confirmedByWorker); i++ {
		if p, t := e.confirmedByWorker[i].PositionAndTxnId(); p < pos {
			pos, txnId = p, t
		}
	}
	return pos, txnId
}

// recordWireLen is an approximation of how many bytes a decoded record
// occupied; exact accounting would require the decoder to track byte counts
// per field, which the reference decoder skips for simplicity. Good enough
// for confirmation bookkeeping, since confirmation only needs a
// monotonically increasing watermark, not a byte-exact offset.
func recordWireLen(rec record) int64 {
	return int64(1 + len(rec.key) + len(rec.val) + len(rec.message) + 8)
}

// Suspend pauses decoding after the in-flight record finishes, and does not
// return until every task already dispatched to the worker group has also
// finished, so the caller sees every worker idle.
func (e *Engine) Suspend() {
	e.mu.Lock()
	dec := e.dec
	e.mu.Unlock()
	if dec != nil {
		dec.Suspend()
		e.workers.Join()
	}
}

// Resume continues a suspended decoder.
func (e *Engine) Resume() {
	e.mu.Lock()
	dec := e.dec
	e.mu.Unlock()
	if dec != nil {
		dec.Resume()
	}
}

// Close disables the decoder and stops the worker pool. Safe to call once,
// after Run has returned or from another goroutine to interrupt it.
func (e *Engine) Close() {
	e.mu.Lock()
	dec := e.dec
	e.mu.Unlock()
	if dec != nil {
		dec.Disable()
	}
	e.workers.Stop()
	e.idxCache.close()
}

// fail marks the engine permanently broken. Per §7, once a panic-class
// failure occurs the engine must not silently keep replaying: every
// subsequent call observes the same cause.
func (e *Engine) fail(cause error) {
	e.mu.Lock()
	if e.failCause == nil {
		e.failCause = errors.WithStack(cause)
	}
	e.mu.Unlock()
	e.notify("error", cause.Error())
}

func (e *Engine) workerFor(txnId int64) int {
	return int(scramble(txnId) % uint64(e.workers.Size()))
}

func (e *Engine) entryFor(txnId int64) *txnEntry {
	return e.table.getOrCreate(txnId, func() *txnEntry {
		return &txnEntry{
			txn:    e.db.TransactionFor(txnId),
			worker: e.workerFor(txnId),
		}
	})
}

type engineTask func() error

func (t engineTask) Handle() {
	if err := t(); err != nil {
		// A single operation's apply failure doesn't have anywhere better
		// to go from inside a worker; surfaced through fail() so Run's
		// caller eventually observes it via Err.
	}
}

// runOn submits task to the worker this transaction is pinned to, raising
// that worker's confirmed (position, txnId) pair once task completes.
func (e *Engine) runOn(worker int, position, txnId int64, task func() error) {
	e.workers.Enqueue(worker, engineTask(func() error {
		err := task()
		if err != nil {
			e.fail(err)
			return err
		}
		e.confirmedByWorker[worker].Raise(position, txnId)
		return nil
	}))
}

// notifyStore fires the replication manager's change-notify hook for a
// durably applied store (or delete, with value nil), skipping internal
// metadata indexes. Per §7, a hook error is caught and logged rather than
// failing replay.
func (e *Engine) notifyStore(ix txn.IndexId, key, value []byte) {
	if e.repl == nil || txn.IsInternalIndex(ix) {
		return
	}
	if err := e.repl.NotifyStore(ix, key, value); err != nil {
		e.notify("error", err.Error())
	}
}

func (e *Engine) notifyRename(ix txn.IndexId, newName []byte, txnId int64) {
	if e.repl == nil || txn.IsInternalIndex(ix) {
		return
	}
	if err := e.repl.NotifyRename(ix, newName, txnId); err != nil {
		e.notify("error", err.Error())
	}
}

func (e *Engine) notifyDrop(ix txn.IndexId, txnId int64) {
	if e.repl == nil || txn.IsInternalIndex(ix) {
		return
	}
	if err := e.repl.NotifyDrop(ix, txnId); err != nil {
		e.notify("error", err.Error())
	}
}

// visit dispatches one decoded record. Lock acquisition opcodes, and the
// upgradable lock a transactional store or delete takes on its key, run
// synchronously on the decode goroutine, because lock order across
// transactions must match redo log order exactly; OpReset and OpRenameIndex
// also run there. Everything else is handed to the transaction's pinned
// worker (auto-commit records: a worker chosen by index id) so independent
// transactions apply concurrently.
func (e *Engine) visit(rec record, position int64) error {
	switch rec.op {
	case redo.OpReset:
		e.reset()
		return nil

	case redo.OpTimestamp, redo.OpNopRandom, redo.OpShutdown, redo.OpClose, redo.OpEndFile:
		return nil

	case redo.OpStore:
		return e.applyAutoCommit(rec, position, false, true)
	case redo.OpDelete:
		return e.applyAutoCommit(rec, position, false, false)
	case redo.OpStoreNoLock:
		return e.applyAutoCommit(rec, position, true, true)
	case redo.OpDeleteNoLock:
		return e.applyAutoCommit(rec, position, true, false)

	case redo.OpRenameIndex:
		// The original demotes a rename failure to a logged warning and
		// suppresses the notify, rather than failing replay: a rename is
		// rarely worth tearing down the whole stream over.
		e.idxCache.invalidate(txn.IndexId(rec.index))
		ix := txn.IndexId(rec.index)
		if err := e.db.RenameIndex(ix, rec.key, rec.txnId); err != nil {
			e.notify("warning", err.Error())
			return nil
		}
		e.confirmedByWorker[e.workerFor(rec.txnId)].Raise(position, rec.txnId)
		e.notifyRename(ix, rec.key, rec.txnId)
		return nil

	case redo.OpDeleteIndex:
		e.idxCache.invalidate(txn.IndexId(rec.index))
		entry := e.entryFor(rec.txnId)
		e.runDeleteIndex(entry.worker, position, txn.IndexId(rec.index), rec.txnId)
		return nil

	case redo.OpTxnEnter:
		entry := e.entryFor(rec.txnId)
		e.runOn(entry.worker, position, rec.txnId, entry.txn.Enter)
		return nil

	case redo.OpTxnStore, redo.OpTxnStoreCommitFinal:
		entry := e.entryFor(rec.txnId)
		final := rec.op == redo.OpTxnStoreCommitFinal
		if err := entry.txn.LockUpgradable(txn.IndexId(rec.index), rec.key); err != nil {
			return err
		}
		e.runOn(entry.worker, position, rec.txnId, func() error {
			idx, err := e.idxCache.get(txn.IndexId(rec.index))
			if err != nil {
				return err
			}
			if err := idx.Store(entry.txn, rec.key, rec.val); err != nil {
				return err
			}
			e.notifyStore(txn.IndexId(rec.index), rec.key, rec.val)
			if final {
				return e.finishTransaction(entry, true)
			}
			return nil
		})
		if final {
			e.table.remove(rec.txnId)
		}
		return nil

	case redo.OpTxnDelete, redo.OpTxnDeleteCommitFinal:
		entry := e.entryFor(rec.txnId)
		final := rec.op == redo.OpTxnDeleteCommitFinal
		if err := entry.txn.LockUpgradable(txn.IndexId(rec.index), rec.key); err != nil {
			return err
		}
		e.runOn(entry.worker, position, rec.txnId, func() error {
			idx, err := e.idxCache.get(txn.IndexId(rec.index))
			if err != nil {
				return err
			}
			if err := idx.Delete(entry.txn, rec.key); err != nil {
				return err
			}
			e.notifyStore(txn.IndexId(rec.index), rec.key, nil)
			if final {
				return e.finishTransaction(entry, true)
			}
			return nil
		})
		if final {
			e.table.remove(rec.txnId)
		}
		return nil

	case redo.OpTxnCommit:
		entry := e.entryFor(rec.txnId)
		e.runOn(entry.worker, position, rec.txnId, entry.txn.Commit)
		return nil

	case redo.OpTxnCommitFinal:
		entry := e.entryFor(rec.txnId)
		e.runOn(entry.worker, position, rec.txnId, func() error {
			return e.finishTransaction(entry, true)
		})
		e.table.remove(rec.txnId)
		return nil

	case redo.OpTxnRollback:
		entry := e.entryFor(rec.txnId)
		e.runOn(entry.worker, position, rec.txnId, entry.txn.Reset)
		return nil

	case redo.OpTxnRollbackFinal:
		entry := e.entryFor(rec.txnId)
		e.runOn(entry.worker, position, rec.txnId, func() error {
			return e.finishTransaction(entry, false)
		})
		e.table.remove(rec.txnId)
		return nil

	case redo.OpTxnLockShared:
		entry := e.entryFor(rec.txnId)
		return entry.txn.LockShared(txn.IndexId(rec.index), rec.key)
	case redo.OpTxnLockUpgradable:
		entry := e.entryFor(rec.txnId)
		return entry.txn.LockUpgradable(txn.IndexId(rec.index), rec.key)
	case redo.OpTxnLockExclusive:
		entry := e.entryFor(rec.txnId)
		return entry.txn.LockExclusive(txn.IndexId(rec.index), rec.key)

	case redo.OpTxnCustom:
		entry := e.entryFor(rec.txnId)
		e.runOn(entry.worker, position, rec.txnId, func() error {
			return e.handler.Redo(entry.txn, rec.message)
		})
		return nil
	case redo.OpTxnCustomLock:
		entry := e.entryFor(rec.txnId)
		e.runOn(entry.worker, position, rec.txnId, func() error {
			return e.handler.RedoLock(entry.txn, txn.IndexId(rec.index), rec.key, rec.message)
		})
		return nil

	default:
		return errors.Errorf("replay: unhandled opcode %v", rec.op)
	}
}

func (e *Engine) applyAutoCommit(rec record, position int64, noLock, store bool) error {
	idx, err := e.idxCache.get(txn.IndexId(rec.index))
	if err != nil {
		return err
	}
	// Auto-commit records carry no transaction id, so they're distributed
	// across workers by index id instead, to avoid piling every untransacted
	// store onto whichever worker txn id 0 would otherwise hash to.
	worker := e.workerFor(int64(rec.index))
	ix := txn.IndexId(rec.index)
	e.runOn(worker, position, 0, func() error {
		var val []byte
		var err error
		switch {
		case store && noLock:
			err = idx.StoreNoLock(rec.key, rec.val)
			val = rec.val
		case store:
			err = idx.Store(nil, rec.key, rec.val)
			val = rec.val
		case noLock:
			err = idx.DeleteNoLock(rec.key)
		default:
			err = idx.Delete(nil, rec.key)
		}
		if err != nil {
			return err
		}
		e.notifyStore(ix, rec.key, val)
		return nil
	})
	return nil
}

// runDeleteIndex dispatches the actual index tree deletion onto a detached,
// transient goroutine spawned from inside the transaction's bound worker:
// the worker task returns immediately once it has kicked the deletion off,
// freeing it to process that transaction's later operations while the
// possibly-expensive deletion runs in the background. Failures are logged
// and never fail replay.
func (e *Engine) runDeleteIndex(worker int, position int64, ix txn.IndexId, txnId int64) {
	e.workers.Enqueue(worker, engineTask(func() error {
		go func() {
			if err := e.db.DeleteIndex(ix, txnId); err != nil {
				e.notify("warning", err.Error())
				return
			}
			e.notifyDrop(ix, txnId)
		}()
		e.confirmedByWorker[worker].Raise(position, txnId)
		return nil
	}))
}

func (e *Engine) finishTransaction(entry *txnEntry, commit bool) error {
	var err error
	if commit {
		err = entry.txn.CommitAll()
	} else {
		err = entry.txn.Reset()
	}
	e.db.RemoveTransaction(entry.txnId)
	return err
}

// reset is invoked on an OpReset record (and at end of stream): it issues
// recoveryCleanup(true) for every in-flight transaction on that
// transaction's own bound worker, so the cleanup runs after whatever that
// worker still had queued for it, and waits on a barrier until every one of
// them has been processed before clearing the decode-side table. Used when
// switching to a fresh stream (after a checkpoint or a leadership change) so
// no stale transaction straddles the boundary.
func (e *Engine) reset() {
	var entries []*txnEntry
	e.table.each(func(te *txnEntry) { entries = append(entries, te) })

	var wg sync.WaitGroup
	wg.Add(len(entries))
	for _, te := range entries {
		te := te
		e.workers.Enqueue(te.worker, engineTask(func() error {
			defer wg.Done()
			if _, err := te.txn.RecoveryCleanup(true); err != nil {
				e.notify("error", err.Error())
			}
			e.db.RemoveTransaction(te.txnId)
			return nil
		}))
	}
	wg.Wait()
	e.table = newTxnTable()
}

// Err returns the cause that permanently stopped the engine, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failCause
}
