package txn

import (
	"runtime"

	"go.uber.org/atomic"
)

// Confirmed tracks a monotonically advancing (position, transaction id) pair
// using a CAS sentinel lock instead of a mutex: updaters spin past a
// concurrent update rather than blocking, which matters here because raising
// the confirmed position happens on every applied operation and must never
// be the thing that makes a worker wait on another worker.
//
// The pair moves together: txnId always describes the transaction whose
// record ends at pos, so a reader that spins past a locked pos is guaranteed
// to see the txnId belonging to that same update once it unlocks, never a
// mix of an old txnId with a new pos or vice versa.
//
// TransactionContext embeds one for its own redo-confirmation duty (§4.1);
// the replay engine keeps one per worker to track how far that worker has
// applied the stream (§4.3), reusing the exact same primitive.
type Confirmed struct {
	pos   atomic.Int64
	txnId atomic.Int64
}

// Position returns the highest confirmed position, spinning past any
// concurrent updater rather than blocking.
func (cf *Confirmed) Position() int64 {
	for {
		v := cf.pos.Load()
		if v != lockedConfirmed {
			return v
		}
		runtime.Gosched()
	}
}

// PositionAndTxnId returns the (pos, txnId) pair as of the most recently
// completed update, the same sentinel-spin guarantee as Position extended to
// both fields together.
func (cf *Confirmed) PositionAndTxnId() (int64, int64) {
	for {
		v := cf.pos.Load()
		if v != lockedConfirmed {
			t := cf.txnId.Load()
			if cf.pos.Load() == v {
				return v, t
			}
		}
		runtime.Gosched()
	}
}

// Raise advances the confirmed pair to (pos, txnId) if pos is higher than
// the current position. txnId is published under the same sentinel lock,
// before pos is unlocked, so a concurrent reader never observes one half of
// the pair without the other.
func (cf *Confirmed) Raise(pos, txnId int64) {
	spins := 0
	for {
		cur := cf.pos.Load()
		if cur == lockedConfirmed {
			spins++
			if spins > spinLimit {
				runtime.Gosched()
				spins = 0
			}
			continue
		}
		if pos <= cur {
			return
		}
		if cf.pos.CAS(cur, lockedConfirmed) {
			cf.txnId.Store(txnId)
			cf.pos.Store(pos)
			return
		}
	}
}

// HigherConfirmed reads this tracker's pair under the sentinel-lock protocol
// and returns whichever of it or (pos, txnId) has the greater position,
// without mutating this tracker. Used to combine several contexts' confirmed
// pairs (e.g. picking the furthest-ahead shard) without committing to an
// update.
func (cf *Confirmed) HigherConfirmed(pos, txnId int64) (int64, int64) {
	curPos, curTxnId := cf.PositionAndTxnId()
	if pos > curPos {
		return pos, txnId
	}
	return curPos, curTxnId
}

// CopyConfirmed raises this tracker to the higher of its own pair and
// other's, and returns the resulting pair. Recovery code merging per-shard
// state calls dst.CopyConfirmed(&src.Confirmed).
func (cf *Confirmed) CopyConfirmed(other *Confirmed) (int64, int64) {
	pos, txnId := other.PositionAndTxnId()
	cf.Raise(pos, txnId)
	return cf.PositionAndTxnId()
}
