package txn

import "sync"

// undoHandle addresses a slot in an undoRegistry. It pairs a slot index with
// a generation counter so that a handle captured before a slot was freed and
// reused can never silently address the wrong UndoLog; unregister bumps the
// generation of the slot it frees.
//
// This replaces the raw prev/next pointer splicing used by linked-list
// registries: the registry owns a flat slice of slots and hands out
// generation-checked handles instead of letting callers alias internal
// nodes directly.
type undoHandle struct {
	idx uint32
	gen uint32
}

func (h undoHandle) valid() bool { return h.gen != 0 }

type undoSlot struct {
	gen  uint32
	log  *UndoLog
	prev int32 // slot index of the next-older registered log, or -1
	next int32 // slot index of the next-newer registered log, or -1
}

// undoRegistry tracks the set of UndoLogs currently open on a
// TransactionContext, in most-recently-registered-first order, the order a
// crash recovery pass must walk them in. It is the arena-backed replacement
// for a doubly-linked list of UndoLog objects: register/unregister are O(1)
// and slots are reused instead of leaving garbage for the collector.
type undoRegistry struct {
	mu    sync.Mutex
	slots []undoSlot
	free  []uint32
	head  int32 // slot index of the most recently registered log, or -1
}

func newUndoRegistry() *undoRegistry {
	return &undoRegistry{head: -1}
}

// register adds log to the head of the registry and returns its handle.
func (r *undoRegistry) register(log *UndoLog) undoHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
		r.slots[idx].gen++
		if r.slots[idx].gen == 0 {
			r.slots[idx].gen = 1
		}
	} else {
		idx = uint32(len(r.slots))
		r.slots = append(r.slots, undoSlot{gen: 1})
	}

	oldHead := r.head
	r.slots[idx].log = log
	r.slots[idx].prev = oldHead
	r.slots[idx].next = -1
	if oldHead >= 0 {
		r.slots[oldHead].next = int32(idx)
	}
	r.head = int32(idx)

	return undoHandle{idx: idx, gen: r.slots[idx].gen}
}

// unregister removes the log addressed by h. It is a no-op if h no longer
// addresses a live slot (the log was already unregistered).
func (r *undoRegistry) unregister(h undoHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(h)
}

func (r *undoRegistry) unregisterLocked(h undoHandle) {
	if int(h.idx) >= len(r.slots) || r.slots[h.idx].gen != h.gen {
		return
	}
	s := r.slots[h.idx]
	if s.prev >= 0 {
		r.slots[s.prev].next = s.next
	}
	if s.next >= 0 {
		r.slots[s.next].prev = s.prev
	} else if r.head == int32(h.idx) {
		r.head = s.prev
	}
	gen := s.gen + 1
	if gen == 0 {
		gen = 1
	}
	r.slots[h.idx] = undoSlot{gen: gen}
	r.free = append(r.free, h.idx)
}

// hasUndoLogs reports whether any log is currently registered.
func (r *undoRegistry) hasUndoLogs() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head >= 0
}

// walk visits every registered log from most- to least-recently registered,
// stopping early if fn returns false. fn must not register or unregister
// logs on this registry.
func (r *undoRegistry) walk(fn func(*UndoLog) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := r.head; i >= 0; i = r.slots[i].prev {
		if !fn(r.slots[i].log) {
			return
		}
	}
}

// clear detaches and returns every registered log, most-recently-registered
// first, leaving the registry empty. Used by recovery cleanup, which takes
// ownership of every open UndoLog at once.
func (r *undoRegistry) clear() []*UndoLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*UndoLog
	for i := r.head; i >= 0; i = r.slots[i].prev {
		out = append(out, r.slots[i].log)
	}
	r.slots = nil
	r.free = nil
	r.head = -1
	return out
}
