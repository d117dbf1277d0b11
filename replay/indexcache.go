package replay

import (
	"github.com/dgraph-io/ristretto/v2"
	"github.com/pingcap/errors"

	"github.com/pingcap-incubator/redocore/txn"
)

// indexCache bounds how many open Index handles the engine keeps around
// between uses, replacing the soft-reference-backed cache a JVM
// implementation would reach for: instead of waiting on a GC pass to
// reclaim memory pressure, ristretto evicts by an explicit cost budget.
type indexCache struct {
	c    *ristretto.Cache[int64, Index]
	open func(txn.IndexId) (Index, error)
}

func newIndexCache(open func(txn.IndexId) (Index, error)) (*indexCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[int64, Index]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &indexCache{c: c, open: open}, nil
}

// get returns the Index for ix, opening and caching it on a miss.
func (ic *indexCache) get(ix txn.IndexId) (Index, error) {
	if v, ok := ic.c.Get(int64(ix)); ok {
		return v, nil
	}
	idx, err := ic.open(ix)
	if err != nil {
		return nil, err
	}
	ic.c.Set(int64(ix), idx, 1)
	return idx, nil
}

// invalidate drops any cached handle for ix, called after a rename or drop
// so a stale Index is never reused.
func (ic *indexCache) invalidate(ix txn.IndexId) {
	ic.c.Del(int64(ix))
}

func (ic *indexCache) close() {
	ic.c.Close()
}
