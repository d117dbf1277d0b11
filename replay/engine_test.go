package replay

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingcap-incubator/redocore/txn"
)

// fakeTxn is a no-op LocalTransaction that records which methods were
// called, for assertions.
type fakeTxn struct {
	mu               sync.Mutex
	committed        bool
	rolledBack       bool
	recoveryCleanups int
}

func (f *fakeTxn) Enter() error  { return nil }
func (f *fakeTxn) Exit() error   { return nil }
func (f *fakeTxn) Commit() error { return nil }
func (f *fakeTxn) CommitAll() error {
	f.mu.Lock()
	f.committed = true
	f.mu.Unlock()
	return nil
}
func (f *fakeTxn) Reset() error {
	f.mu.Lock()
	f.rolledBack = true
	f.mu.Unlock()
	return nil
}
func (f *fakeTxn) LockShared(txn.IndexId, []byte) error     { return nil }
func (f *fakeTxn) LockUpgradable(txn.IndexId, []byte) error { return nil }
func (f *fakeTxn) LockExclusive(txn.IndexId, []byte) error  { return nil }
func (f *fakeTxn) RecoveryCleanup(bool) (bool, error) {
	f.mu.Lock()
	f.recoveryCleanups++
	f.mu.Unlock()
	return false, nil
}
func (f *fakeTxn) Attach(string)                            {}
func (f *fakeTxn) SetDurabilityMode(txn.DurabilityMode)     {}
func (f *fakeTxn) LockMode() txn.LockMode                   { return txn.LockUpgradableRead }

type fakeIndex struct {
	mu     sync.Mutex
	stored map[string]string
}

func newFakeIndex() *fakeIndex { return &fakeIndex{stored: map[string]string{}} }

func (ix *fakeIndex) Store(_ LocalTransaction, key, value []byte) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.stored[string(key)] = string(value)
	return nil
}
func (ix *fakeIndex) Delete(_ LocalTransaction, key []byte) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.stored, string(key))
	return nil
}
func (ix *fakeIndex) StoreNoLock(key, value []byte) error { return ix.Store(nil, key, value) }
func (ix *fakeIndex) DeleteNoLock(key []byte) error        { return ix.Delete(nil, key) }

func (ix *fakeIndex) get(key string) (string, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	v, ok := ix.stored[key]
	return v, ok
}

type fakeDB struct {
	mu          sync.Mutex
	index       *fakeIndex
	txns        map[int64]*fakeTxn
	renameErr   error
	deletedIxs  []txn.IndexId
	created     []*fakeTxn
}

func newFakeDB() *fakeDB {
	return &fakeDB{index: newFakeIndex(), txns: map[int64]*fakeTxn{}}
}

func (db *fakeDB) OpenIndex(txn.IndexId) (Index, error) { return db.index, nil }

func (db *fakeDB) RenameIndex(txn.IndexId, []byte, int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.renameErr
}

func (db *fakeDB) DeleteIndex(ix txn.IndexId, _ int64) error {
	db.mu.Lock()
	db.deletedIxs = append(db.deletedIxs, ix)
	db.mu.Unlock()
	return nil
}

func (db *fakeDB) NewTransaction() LocalTransaction { return &fakeTxn{} }

func (db *fakeDB) TransactionFor(txnId int64) LocalTransaction {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.txns[txnId]
	if !ok {
		t = &fakeTxn{}
		db.txns[txnId] = t
		db.created = append(db.created, t)
	}
	return t
}

func (db *fakeDB) RemoveTransaction(txnId int64) {
	db.mu.Lock()
	delete(db.txns, txnId)
	db.mu.Unlock()
}

type fakeRepl struct {
	mu         sync.Mutex
	stored     map[string]string
	renamed    bool
	dropped    bool
	failedOver bool
}

func newFakeRepl() *fakeRepl { return &fakeRepl{stored: map[string]string{}} }

func (r *fakeRepl) ReadPosition() int64 { return 0 }

func (r *fakeRepl) NotifyStore(ix txn.IndexId, key, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if value == nil {
		delete(r.stored, string(key))
		return nil
	}
	r.stored[string(key)] = string(value)
	return nil
}

func (r *fakeRepl) NotifyRename(txn.IndexId, []byte, int64) error {
	r.mu.Lock()
	r.renamed = true
	r.mu.Unlock()
	return nil
}

func (r *fakeRepl) NotifyDrop(txn.IndexId, int64) error {
	r.mu.Lock()
	r.dropped = true
	r.mu.Unlock()
	return nil
}

func (r *fakeRepl) Failover() {
	r.mu.Lock()
	r.failedOver = true
	r.mu.Unlock()
}

func TestEngineAppliesTransactionalStoreThenCommit(t *testing.T) {
	w := txn.NewMemWriter(false)
	c := txn.NewTransactionContext(0, 1, 256)
	txnId := c.NextTransactionId()

	require.NoError(t, c.RedoEnter(w, txnId))
	require.NoError(t, c.RedoStore(w, txnId, txn.IndexId(100), []byte("alpha"), []byte("1")))
	_, err := c.RedoCommitFinal(w, txn.DurabilitySync, txnId)
	require.NoError(t, err)

	db := newFakeDB()
	repl := newFakeRepl()
	eng, err := NewEngine(Config{Database: db, ReplicationManager: repl, Workers: 2})
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.Run(bytes.NewReader(w.Bytes()), false))

	require.Eventually(t, func() bool {
		v, ok := db.index.get("alpha")
		return ok && v == "1"
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		repl.mu.Lock()
		defer repl.mu.Unlock()
		v, ok := repl.stored["alpha"]
		return ok && v == "1"
	}, time.Second, time.Millisecond, "NotifyStore should fire for a non-internal index")

	require.Eventually(t, func() bool {
		repl.mu.Lock()
		defer repl.mu.Unlock()
		return repl.failedOver
	}, time.Second, time.Millisecond, "Failover should fire once the stream reaches a clean end")
}

func TestEngineSkipsNotifyForInternalIndex(t *testing.T) {
	w := txn.NewMemWriter(true)
	c := txn.NewTransactionContext(0, 1, 64)
	_, err := c.RedoStoreAutoCommit(w, txn.DurabilitySync, txn.IndexId(1), []byte("meta"), []byte("x"))
	require.NoError(t, err)

	db := newFakeDB()
	repl := newFakeRepl()
	eng, err := NewEngine(Config{Database: db, ReplicationManager: repl, Workers: 2})
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.Run(bytes.NewReader(w.Bytes()), true))

	require.Eventually(t, func() bool {
		_, ok := db.index.get("meta")
		return ok
	}, time.Second, time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	repl.mu.Lock()
	_, notified := repl.stored["meta"]
	repl.mu.Unlock()
	assert.False(t, notified, "txn.IndexId(1) is internal; notify hook must be skipped")
}

func TestEngineAppliesAutoCommitStore(t *testing.T) {
	w := txn.NewMemWriter(true)
	c := txn.NewTransactionContext(0, 1, 64)
	_, err := c.RedoStoreAutoCommit(w, txn.DurabilitySync, txn.IndexId(3), []byte("beta"), []byte("2"))
	require.NoError(t, err)

	db := newFakeDB()
	eng, err := NewEngine(Config{Database: db, Workers: 2})
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.Run(bytes.NewReader(w.Bytes()), true))

	require.Eventually(t, func() bool {
		v, ok := db.index.get("beta")
		return ok && v == "2"
	}, time.Second, time.Millisecond)
}

func TestEngineRollbackFinalResetsTransaction(t *testing.T) {
	w := txn.NewMemWriter(false)
	c := txn.NewTransactionContext(0, 1, 256)
	txnId := c.NextTransactionId()

	require.NoError(t, c.RedoEnter(w, txnId))
	require.NoError(t, c.RedoStore(w, txnId, txn.IndexId(1), []byte("gamma"), []byte("3")))
	_, err := c.RedoRollbackFinal(w, txnId)
	require.NoError(t, err)

	db := newFakeDB()
	eng, err := NewEngine(Config{Database: db, Workers: 1})
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.Run(bytes.NewReader(w.Bytes()), false))

	require.Eventually(t, func() bool {
		db.mu.Lock()
		defer db.mu.Unlock()
		return len(db.txns) == 0
	}, time.Second, time.Millisecond)
	assert.Empty(t, db.txns)
}

func TestEngineRenameIndexFailureLogsAndContinuesReplay(t *testing.T) {
	w := txn.NewMemWriter(false)
	c := txn.NewTransactionContext(0, 1, 256)
	txnId := c.NextTransactionId()
	_, err := c.RedoRenameIndexCommitFinal(w, txnId, txn.IndexId(100), []byte("new-name"))
	require.NoError(t, err)

	db := newFakeDB()
	db.renameErr = errors.New("rename rejected")
	repl := newFakeRepl()
	eng, err := NewEngine(Config{Database: db, ReplicationManager: repl, Workers: 1})
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.Run(bytes.NewReader(w.Bytes()), false))
	assert.NoError(t, eng.Err(), "a rename failure must not fail replay")

	repl.mu.Lock()
	renamed := repl.renamed
	repl.mu.Unlock()
	assert.False(t, renamed, "a failed rename must suppress the notify")
}

func TestEngineDeleteIndexDispatchesAndNotifies(t *testing.T) {
	w := txn.NewMemWriter(false)
	c := txn.NewTransactionContext(0, 1, 256)
	txnId := c.NextTransactionId()
	_, err := c.RedoDeleteIndexCommitFinal(w, txnId, txn.IndexId(100))
	require.NoError(t, err)

	db := newFakeDB()
	repl := newFakeRepl()
	eng, err := NewEngine(Config{Database: db, ReplicationManager: repl, Workers: 1})
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.Run(bytes.NewReader(w.Bytes()), false))

	require.Eventually(t, func() bool {
		db.mu.Lock()
		defer db.mu.Unlock()
		return len(db.deletedIxs) == 1 && db.deletedIxs[0] == txn.IndexId(100)
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		repl.mu.Lock()
		defer repl.mu.Unlock()
		return repl.dropped
	}, time.Second, time.Millisecond)
}

// TestSuspendJoinsWorkerGroup drives the decoder directly to an already
// disabled state, so Suspend's handshake with it is an instant no-op, and
// checks the part that's actually under test here: that Suspend still blocks
// on the worker group until a task queued ahead of it has finished.
func TestSuspendJoinsWorkerGroup(t *testing.T) {
	db := newFakeDB()
	eng, err := NewEngine(Config{Database: db, Workers: 1})
	require.NoError(t, err)
	defer eng.Close()

	eng.dec = newDecoder(bytes.NewReader(nil), false)
	eng.dec.Disable()

	var finished atomic.Bool
	eng.workers.Enqueue(0, engineTask(func() error {
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
		return nil
	}))

	eng.Suspend()
	assert.True(t, finished.Load(), "Suspend must not return before a task queued ahead of it finishes")
}

func TestEngineResetDispatchesRecoveryCleanupViaWorkers(t *testing.T) {
	w := txn.NewMemWriter(false)
	c := txn.NewTransactionContext(0, 1, 256)
	txnId := c.NextTransactionId()
	require.NoError(t, c.RedoEnter(w, txnId))
	require.NoError(t, c.RedoReset(w))

	db := newFakeDB()
	eng, err := NewEngine(Config{Database: db, Workers: 2})
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.Run(bytes.NewReader(w.Bytes()), false))

	db.mu.Lock()
	_, stillTracked := db.txns[txnId]
	created := db.created
	db.mu.Unlock()
	assert.False(t, stillTracked, "reset must remove every in-flight transaction")
	require.Len(t, created, 1)
	created[0].mu.Lock()
	defer created[0].mu.Unlock()
	assert.Equal(t, 1, created[0].recoveryCleanups, "reset must call RecoveryCleanup(true) on the worker-bound transaction")
}
