package txn

import (
	"sync"

	"github.com/pingcap/errors"
)

// MemWriter is a minimal in-memory Writer, used by tests and as the
// simplest possible collaborator for exercising TransactionContext without
// any storage engine attached. It keeps the entire stream in a growable
// byte slice and never actually synchronizes anything; NO_SYNC and SYNC
// behave identically here because there is nothing to flush to.
type MemWriter struct {
	mu         sync.Mutex
	buf        []byte
	lastTxnId  int64
	closeCause error
	terminators bool
	forceMode  *DurabilityMode
}

// NewMemWriter returns a MemWriter. terminators controls whether records
// carry the self-synchronization marker, matching a replicated stream's
// ShouldWriteTerminators; pass false to model a local redo file instead.
func NewMemWriter(terminators bool) *MemWriter {
	return &MemWriter{terminators: terminators}
}

// ForceMode pins every OpWriteCheck call to mode, modeling a replica that
// can never accept real redo durability (see the RedoWriter decorator note
// in §9). Pass nil to stop forcing a mode.
func (w *MemWriter) ForceMode(mode *DurabilityMode) { w.forceMode = mode }

func (w *MemWriter) OpWriteCheck(mode DurabilityMode) (DurabilityMode, error) {
	if w.closeCause != nil {
		return mode, errors.WithStack(w.closeCause)
	}
	if w.forceMode != nil {
		return *w.forceMode, nil
	}
	return mode, nil
}

func (w *MemWriter) Write(buf []byte, offset, length int, commitLen int) (int64, error) {
	if w.closeCause != nil {
		return 0, errors.WithStack(w.closeCause)
	}
	w.buf = append(w.buf, buf[offset:offset+length]...)
	if commitLen < 0 {
		return 0, nil
	}
	return int64(len(w.buf)), nil
}

func (w *MemWriter) ShouldWriteTerminators() bool { return w.terminators }

func (w *MemWriter) LastTxnId() int64       { return w.lastTxnId }
func (w *MemWriter) SetLastTxnId(id int64)  { w.lastTxnId = id }

func (w *MemWriter) CloseCause() error { return w.closeCause }

// Close marks the writer permanently failed with cause, the same semantics
// a real writer applies once it can no longer accept redo calls (§7).
func (w *MemWriter) Close(cause error) { w.closeCause = cause }

func (w *MemWriter) Lock()   { w.mu.Lock() }
func (w *MemWriter) Unlock() { w.mu.Unlock() }

// Bytes returns a copy of everything written so far, for test assertions.
func (w *MemWriter) Bytes() []byte {
	out := make([]byte, len(w.buf))
	copy(out, w.buf)
	return out
}
