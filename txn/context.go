package txn

import (
	"runtime"
	"sync"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"

	"github.com/pingcap-incubator/redocore/redo"
)

// spinLimit bounds how many times a confirmed-position update spins on the
// sentinel lock before yielding the processor. One spin attempt per core
// gives every context a fair shot before anyone sleeps.
var spinLimit = runtime.NumCPU()

// lockedConfirmed is the sentinel value a confirmed position field holds
// while a goroutine is updating it. No real stream position is ever
// negative, so -1 can't collide with a legitimate value.
const lockedConfirmed int64 = -1

// TransactionContext is one shard of the redo-generation path. The database
// keeps a small fixed pool of these (see §5); operations are routed to a
// shard by transaction id so that unrelated transactions essentially never
// contend on the same buffer or the same id-minting counter.
//
// Each context mints transaction ids from a disjoint residue class modulo
// the pool size, so two contexts can never hand out the same id without
// coordinating at all.
type TransactionContext struct {
	id     int
	stride int64
	nextId atomic.Int64

	mu          sync.Mutex
	buffer      []byte
	pos         int
	txnIdOffset int   // offset of the reserved 9-byte delta slot, or -1
	firstTxnId  int64 // txn id of the record owning the reserved slot
	lastTxnId   int64 // most recent txn id this context has encoded

	undoLogs *undoRegistry

	Confirmed
}

// NewTransactionContext creates shard number id of numContexts, with an
// initial redo buffer of bufferSize bytes. id must be in [0, numContexts).
func NewTransactionContext(id, numContexts, bufferSize int) *TransactionContext {
	if id < 0 || numContexts <= 0 || id >= numContexts {
		panic("txn: context id out of range")
	}
	ctx := &TransactionContext{
		id:       id,
		stride:   int64(numContexts),
		buffer:   make([]byte, bufferSize),
		undoLogs: newUndoRegistry(),
	}
	ctx.txnIdOffset = -1
	ctx.nextId.Store(int64(id + 1))
	return ctx
}

// NextTransactionId mints the next id belonging to this context's residue
// class. Ids are congruent to id+1 (mod numContexts) and never repeat until
// the int64 space wraps; if an increment wraps to a non-positive value the
// counter is reseeded to (id+1) mod numContexts, so the id returned is
// positive and stays in the same residue class.
func (c *TransactionContext) NextTransactionId() int64 {
	id := c.nextId.Add(c.stride)
	for id <= 0 {
		c.nextId.CAS(id, int64(c.id+1)%c.stride)
		id = c.nextId.Add(c.stride)
	}
	return id
}

// UndoLogs exposes this context's undo-log registry so recovery code can
// walk or clear it. Not safe to call concurrently with RegisterUndoLog on
// the same context past the point of a final unregister, same as any other
// registry consumer.
func (c *TransactionContext) UndoLogs() *undoRegistry { return c.undoLogs }

// RegisterUndoLog adds log to this context's registry and records its
// registry handle inside log; the caller passes the same log to
// UnregisterUndoLog once it no longer needs tracking (commit-final or
// rollback-final).
func (c *TransactionContext) RegisterUndoLog(log *UndoLog) {
	log.handle = c.undoLogs.register(log)
}

// UnregisterUndoLog removes log from this context's registry.
func (c *TransactionContext) UnregisterUndoLog(log *UndoLog) {
	c.undoLogs.unregister(log.handle)
}

// HasUndoLogs reports whether this context currently owns any open undo
// log, i.e. whether any transaction routed to this shard is mid-rollback or
// holds uncommitted undoable operations.
func (c *TransactionContext) HasUndoLogs() bool {
	return c.undoLogs.hasUndoLogs()
}

// ---- buffered redo record writing -----------------------------------------

// acquire locks the context's buffer for the duration of one redo call.
// Every Redo* method is expected to call this first and defer release.
func (c *TransactionContext) acquire() { c.mu.Lock() }
func (c *TransactionContext) release() { c.mu.Unlock() }

// ensure grows the buffer if it cannot hold n more bytes from pos. Growth
// is geometric, same as the teacher's general append-buffer idiom, since
// redo buffers are short-lived and resized rarely in steady state.
func (c *TransactionContext) ensure(n int) {
	need := c.pos + n
	if need <= len(c.buffer) {
		return
	}
	newCap := len(c.buffer) * 2
	if newCap < need {
		newCap = need
	}
	grown := make([]byte, newCap)
	copy(grown, c.buffer[:c.pos])
	c.buffer = grown
}

// writeOp appends a single non-transactional opcode byte.
func (c *TransactionContext) writeOp(op redo.Op) {
	c.ensure(1)
	c.buffer[c.pos] = byte(op)
	c.pos++
}

// writeTxnOp appends a transactional opcode followed by the transaction id,
// delta-encoded against whatever the decoder will have last seen.
//
// The first transactional record written into a freshly emptied buffer
// cannot know that baseline yet: other contexts may flush in between this
// buffer being allocated and it being written to the stream, changing what
// the writer's last-seen id will be. So the first record reserves a fixed
// 9-byte slot and is backfilled with the true delta at flush time, once the
// writer's latch is held and its last-seen id can't move underneath us.
// Every subsequent record in the same buffer already knows the previous id
// this context itself just wrote, so it encodes its delta immediately.
func (c *TransactionContext) writeTxnOp(op redo.Op, txnId int64) {
	c.ensure(1 + redo.MaxVarLongLen)
	c.buffer[c.pos] = byte(op)
	c.pos++
	if c.txnIdOffset < 0 {
		c.txnIdOffset = c.pos
		c.firstTxnId = txnId
		c.pos += redo.MaxVarLongLen
	} else {
		c.pos = redo.EncodeSignedVarLong(c.buffer, c.pos, txnId-c.lastTxnId)
	}
	c.lastTxnId = txnId
}

func (c *TransactionContext) writeVarInt(v int) {
	c.ensure(redo.MaxVarLongLen)
	c.pos = redo.EncodeUnsignedVarInt(c.buffer, c.pos, v)
}

func (c *TransactionContext) writeBytes(b []byte) {
	c.ensure(redo.MaxVarLongLen + len(b))
	c.pos = redo.EncodeUnsignedVarInt(c.buffer, c.pos, len(b))
	copy(c.buffer[c.pos:], b)
	c.pos += len(b)
}

func (c *TransactionContext) writeInt64(v int64) {
	c.ensure(8)
	redo.EncodeInt64LE(c.buffer, c.pos, v)
	c.pos += 8
}

// writeTerminator appends the self-synchronization marker, if the writer's
// stream needs one (replicated streams do; local redo files rely on offsets
// instead, per ShouldWriteTerminators).
func (c *TransactionContext) writeTerminator(w Writer, txnId int64) {
	if !w.ShouldWriteTerminators() {
		return
	}
	c.ensure(4)
	redo.EncodeUint32LE(c.buffer, c.pos, redo.NonZeroHash(txnId))
	c.pos += 4
}

// flush backfills the reserved first-record delta (if any) against the
// writer's last-seen id, compressing it to its natural width, then hands the
// buffer to the writer. Must be called with the writer's exclusive latch
// held and this context's buffer latch held. commitLen, when >= 0, is the
// length prefix the writer should treat as ending a durable commit. The
// writer's last-seen id is advanced only when the buffer holds a
// transactional record, and is restored if the write fails.
func (c *TransactionContext) flush(w Writer, commitLen int) (int64, error) {
	if c.pos == 0 {
		return 0, nil
	}
	offset := 0
	prevLastTxnId := w.LastTxnId()
	if c.txnIdOffset >= 0 {
		offset = c.compressReservedDelta(c.firstTxnId - prevLastTxnId)
		w.SetLastTxnId(c.lastTxnId)
	}

	pos, err := w.Write(c.buffer, offset, c.pos-offset, commitLen)
	if err != nil {
		w.SetLastTxnId(prevLastTxnId)
		return 0, errors.WithStack(err)
	}
	c.pos = 0
	c.txnIdOffset = -1
	return pos, nil
}

// compressReservedDelta re-encodes the reserved 9-byte delta slot as a tight
// varlong for delta and shifts the opcode byte right to directly precede it,
// so the record has no gap between the delta and the operands that follow
// the reservation. The opcode always sits at buffer offset 0 when a
// reservation is pending (writeTxnOp only reserves on the first record
// written into a freshly flushed, and therefore empty, buffer), so the shift
// is simply: move the opcode byte forward by (MaxVarLongLen − varLen) and
// encode the delta immediately after it. Returns that shift amount, the
// number of now-unused leading bytes flush should skip on write.
func (c *TransactionContext) compressReservedDelta(delta int64) int {
	varLen := redo.SignedVarLongLen(delta)
	gap := redo.MaxVarLongLen - varLen
	opcode := c.buffer[0]
	redo.EncodeSignedVarLong(c.buffer, gap+1, delta)
	c.buffer[gap] = opcode
	return gap
}

// ---- confirmed position (CAS sentinel lock) --------------------------------
//
// TransactionContext.Confirmed (embedded above) provides Position,
// PositionAndTxnId, Raise, HigherConfirmed and CopyConfirmed; see
// confirmed.go. Recovery code merging per-shard state calls
// dst.CopyConfirmed(&src.Confirmed).
