package txn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUndoRegistrySlotReuseBumpsGeneration(t *testing.T) {
	r := newUndoRegistry()
	log1 := &UndoLog{txnId: 1}
	h1 := r.register(log1)
	r.unregister(h1)

	log2 := &UndoLog{txnId: 2}
	h2 := r.register(log2)
	assert.Equal(t, h1.idx, h2.idx, "expected the freed slot to be reused")
	assert.NotEqual(t, h1.gen, h2.gen)

	// The stale handle must not be able to unregister the new occupant.
	r.unregister(h1)
	assert.True(t, r.hasUndoLogs())

	r.unregister(h2)
	assert.False(t, r.hasUndoLogs())
}

func TestUndoRegistryWalkOrderIsMostRecentFirst(t *testing.T) {
	r := newUndoRegistry()
	for _, id := range []int64{1, 2, 3} {
		r.register(&UndoLog{txnId: id})
	}
	var order []int64
	r.walk(func(u *UndoLog) bool {
		order = append(order, u.TxnId())
		return true
	})
	assert.Equal(t, []int64{3, 2, 1}, order)
}

func TestUndoRegistryClearEmptiesAndReturnsAll(t *testing.T) {
	r := newUndoRegistry()
	r.register(&UndoLog{txnId: 1})
	r.register(&UndoLog{txnId: 2})

	out := r.clear()
	assert.Len(t, out, 2)
	assert.False(t, r.hasUndoLogs())
}
