package replay

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingcap-incubator/redocore/redo"
	"github.com/pingcap-incubator/redocore/txn"
)

func TestDecoderRoundTripsAutoCommitStore(t *testing.T) {
	w := txn.NewMemWriter(true)
	c := txn.NewTransactionContext(0, 1, 64)

	_, err := c.RedoStoreAutoCommit(w, txn.DurabilitySync, txn.IndexId(9), []byte("hello"), []byte("world"))
	require.NoError(t, err)

	dec := newDecoder(bytes.NewReader(w.Bytes()), true)
	rec, err := dec.next()
	require.NoError(t, err)
	assert.Equal(t, redo.OpStore, rec.op)
	assert.EqualValues(t, 9, rec.index)
	assert.Equal(t, []byte("hello"), rec.key)
	assert.Equal(t, []byte("world"), rec.val)

	_, err = dec.next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoderRoundTripsTransactionalSequence(t *testing.T) {
	w := txn.NewMemWriter(false)
	c := txn.NewTransactionContext(0, 1, 256)
	txnId := c.NextTransactionId()

	require.NoError(t, c.RedoEnter(w, txnId))
	require.NoError(t, c.RedoStore(w, txnId, txn.IndexId(1), []byte("k1"), []byte("v1")))
	require.NoError(t, c.RedoDelete(w, txnId, txn.IndexId(1), []byte("k2")))
	_, err := c.RedoCommitFinal(w, txn.DurabilitySync, txnId)
	require.NoError(t, err)

	dec := newDecoder(bytes.NewReader(w.Bytes()), false)

	rec, err := dec.next()
	require.NoError(t, err)
	assert.Equal(t, redo.OpTxnEnter, rec.op)
	assert.Equal(t, txnId, rec.txnId)

	rec, err = dec.next()
	require.NoError(t, err)
	assert.Equal(t, redo.OpTxnStore, rec.op)
	assert.Equal(t, txnId, rec.txnId)
	assert.Equal(t, []byte("k1"), rec.key)
	assert.Equal(t, []byte("v1"), rec.val)

	rec, err = dec.next()
	require.NoError(t, err)
	assert.Equal(t, redo.OpTxnDelete, rec.op)
	assert.Equal(t, txnId, rec.txnId)
	assert.Equal(t, []byte("k2"), rec.key)

	rec, err = dec.next()
	require.NoError(t, err)
	assert.Equal(t, redo.OpTxnCommitFinal, rec.op)
	assert.Equal(t, txnId, rec.txnId)

	_, err = dec.next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoderSuspendResume(t *testing.T) {
	dec := newDecoder(bytes.NewReader(nil), false)

	// Simulate Run's loop calling checkpoint between records, the only
	// thing that actually transitions DO_SUSPEND -> SUSPENDED.
	stopLoop := make(chan struct{})
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		for {
			select {
			case <-stopLoop:
				return
			default:
				dec.checkpoint()
			}
		}
	}()

	dec.Suspend()
	dec.mu.Lock()
	assert.Equal(t, stateSuspended, dec.state)
	dec.mu.Unlock()

	dec.Resume()
	close(stopLoop)
	<-loopDone
}
