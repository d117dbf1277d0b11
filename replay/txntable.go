package replay

// hashSpread is the odd 64-bit multiplier 2^63*(sqrt(5)-1) used to scramble
// transaction ids before bucketing them. Plain ids tend to be small and
// densely packed (each TransactionContext mints them in a tight residue
// class), which would otherwise cluster badly in a power-of-two bucket
// table; multiplying by this constant spreads them out the same way
// Fibonacci hashing does.
const hashSpread uint64 = 0x9E3779B97F4A7C15 // 2^63 * (sqrt(5) - 1), as an odd 64-bit constant

func scramble(txnId int64) uint64 {
	return uint64(txnId) * hashSpread
}

// txnEntry is the decode-thread-owned bookkeeping record for one in-flight
// transaction. The decoder goroutine is the only writer and reader of
// every field here; workers only see the LocalTransaction it wraps.
type txnEntry struct {
	txnId  int64
	txn    LocalTransaction
	worker int // index into the workergroup.Group this transaction is pinned to
	next   *txnEntry
}

// txnTable is a scrambled open-chaining hash table keyed by transaction id,
// touched only by the decoder goroutine, so it needs no locking at all —
// the same reasoning that lets a single-threaded event loop skip mutexes
// around its own state.
type txnTable struct {
	buckets []*txnEntry
	count   int
}

func newTxnTable() *txnTable {
	return &txnTable{buckets: make([]*txnEntry, 16)}
}

func (t *txnTable) bucketFor(txnId int64) int {
	return int(scramble(txnId) & uint64(len(t.buckets)-1))
}

// get returns the entry for txnId, or nil.
func (t *txnTable) get(txnId int64) *txnEntry {
	for e := t.buckets[t.bucketFor(txnId)]; e != nil; e = e.next {
		if e.txnId == txnId {
			return e
		}
	}
	return nil
}

// getOrCreate returns the existing entry for txnId, or inserts and returns
// a new one via newEntry (called at most once, only on a miss).
func (t *txnTable) getOrCreate(txnId int64, newEntry func() *txnEntry) *txnEntry {
	if e := t.get(txnId); e != nil {
		return e
	}
	if t.count >= len(t.buckets) {
		t.grow()
	}
	e := newEntry()
	e.txnId = txnId
	idx := t.bucketFor(txnId)
	e.next = t.buckets[idx]
	t.buckets[idx] = e
	t.count++
	return e
}

func (t *txnTable) remove(txnId int64) {
	idx := t.bucketFor(txnId)
	var prev *txnEntry
	for e := t.buckets[idx]; e != nil; e = e.next {
		if e.txnId == txnId {
			if prev == nil {
				t.buckets[idx] = e.next
			} else {
				prev.next = e.next
			}
			t.count--
			return
		}
		prev = e
	}
}

func (t *txnTable) grow() {
	old := t.buckets
	t.buckets = make([]*txnEntry, len(old)*2)
	t.count = 0
	for _, e := range old {
		for n := e; n != nil; {
			next := n.next
			idx := t.bucketFor(n.txnId)
			n.next = t.buckets[idx]
			t.buckets[idx] = n
			t.count++
			n = next
		}
	}
}

// each visits every entry currently in the table; used by reset() to drain
// everything on a recovery boundary.
func (t *txnTable) each(fn func(*txnEntry)) {
	for _, head := range t.buckets {
		for e := head; e != nil; e = e.next {
			fn(e)
		}
	}
}
