package replay

import (
	"bufio"
	"io"
	"sync"

	"github.com/pingcap/errors"

	"github.com/pingcap-incubator/redocore/redo"
)

type decoderState int

const (
	stateDisabled decoderState = iota
	stateRunning
	stateDoSuspend
	stateSuspended
)

// decoder pulls opcodes and their operands off a redo stream. It owns no
// concurrency of its own beyond the suspend/resume handshake: Run must only
// ever be called from one goroutine at a time, mirroring the single-reader
// assumption the rest of this package depends on (txnTable needs it).
type decoder struct {
	r               *bufio.Reader
	readTerminators bool
	lastTxnId       int64

	mu    sync.Mutex
	cond  *sync.Cond
	state decoderState
}

func newDecoder(r io.Reader, readTerminators bool) *decoder {
	d := &decoder{r: bufio.NewReader(r), readTerminators: readTerminators, state: stateRunning}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Suspend requests that Run stop pulling records once it finishes the
// record currently in flight, and blocks until it has. Suspending twice,
// or suspending a disabled decoder, is a no-op.
func (d *decoder) Suspend() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != stateRunning {
		return
	}
	d.state = stateDoSuspend
	for d.state == stateDoSuspend {
		d.cond.Wait()
	}
}

// Resume wakes a suspended decoder back into the running state. It is a
// no-op if the decoder isn't suspended.
func (d *decoder) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != stateSuspended {
		return
	}
	d.state = stateRunning
	d.cond.Broadcast()
}

// Disable terminates the decoder permanently; Run returns once it notices.
func (d *decoder) Disable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = stateDisabled
	d.cond.Broadcast()
}

// checkpoint is called by Run between records: it blocks while a suspend is
// pending, and reports whether Run should stop entirely.
func (d *decoder) checkpoint() (stop bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == stateDoSuspend {
		d.state = stateSuspended
		d.cond.Broadcast()
		for d.state == stateSuspended {
			d.cond.Wait()
		}
	}
	return d.state == stateDisabled
}

// record is one decoded entry: an opcode plus whichever operands it carries.
// Not every field is populated for every op; visit(engine) dispatches on Op
// and only reads the fields that opcode defines.
type record struct {
	op        redo.Op
	txnId     int64
	index     txn1IndexId
	key, val  []byte
	message   []byte
	timestamp int64
}

// txn1IndexId is the decoder's local index-id type; it is numerically
// identical to txn.IndexId, and the engine converts it at each use.
type txn1IndexId int64

func (d *decoder) readByte() (byte, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return b, nil
}

func (d *decoder) readFull(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf, nil
}

func (d *decoder) readVarLong() (uint64, error) {
	first, err := d.readByte()
	if err != nil {
		return 0, err
	}
	n := redo.VarLongLenFromFirstByte(first)
	buf := make([]byte, n)
	buf[0] = first
	if n > 1 {
		rest, err := d.readFull(n - 1)
		if err != nil {
			return 0, err
		}
		copy(buf[1:], rest)
	}
	v, _, err := redo.DecodeUnsignedVarLong(buf, 0)
	return v, err
}

func (d *decoder) readSignedVarLong() (int64, error) {
	v, err := d.readVarLong()
	if err != nil {
		return 0, err
	}
	return int64(v>>1) ^ -int64(v&1), nil
}

func (d *decoder) readVarInt() (int, error) {
	v, err := d.readVarLong()
	return int(uint32(v)), err
}

func (d *decoder) readInt64() (int64, error) {
	buf, err := d.readFull(8)
	if err != nil {
		return 0, err
	}
	return redo.DecodeInt64LE(buf, 0), nil
}

func (d *decoder) readLenPrefixed() ([]byte, error) {
	n, err := d.readVarInt()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return d.readFull(n)
}

func (d *decoder) readTxnId() (int64, error) {
	delta, err := d.readSignedVarLong()
	if err != nil {
		return 0, err
	}
	id := d.lastTxnId + delta
	d.lastTxnId = id
	return id, nil
}

func (d *decoder) skipTerminator() error {
	if !d.readTerminators {
		return nil
	}
	_, err := d.readFull(4)
	return err
}

// next reads and returns the next record, or io.EOF at a clean end of
// stream.
func (d *decoder) next() (record, error) {
	opByte, err := d.readByte()
	if err != nil {
		return record{}, err
	}
	op := redo.Op(opByte)
	rec := record{op: op}

	if redo.IsTxnOp(op) {
		rec.txnId, err = d.readTxnId()
		if err != nil {
			return record{}, err
		}
	}

	switch op {
	case redo.OpTimestamp, redo.OpNopRandom:
		rec.timestamp, err = d.readInt64()
	case redo.OpStore, redo.OpStoreNoLock, redo.OpTxnStore, redo.OpTxnStoreCommitFinal:
		var ix int64
		if ix, err = d.readInt64(); err == nil {
			rec.index = txn1IndexId(ix)
			rec.key, err = d.readLenPrefixed()
		}
		if err == nil {
			rec.val, err = d.readLenPrefixed()
		}
	case redo.OpDelete, redo.OpDeleteNoLock, redo.OpTxnDelete, redo.OpTxnDeleteCommitFinal,
		redo.OpTxnLockShared, redo.OpTxnLockUpgradable, redo.OpTxnLockExclusive:
		var ix int64
		if ix, err = d.readInt64(); err == nil {
			rec.index = txn1IndexId(ix)
			rec.key, err = d.readLenPrefixed()
		}
	case redo.OpRenameIndex:
		var ix int64
		if ix, err = d.readInt64(); err == nil {
			rec.index = txn1IndexId(ix)
			rec.key, err = d.readLenPrefixed() // new name
		}
	case redo.OpDeleteIndex:
		var ix int64
		ix, err = d.readInt64()
		rec.index = txn1IndexId(ix)
	case redo.OpTxnCustom:
		rec.message, err = d.readLenPrefixed()
	case redo.OpTxnCustomLock:
		var ix int64
		if ix, err = d.readInt64(); err == nil {
			rec.index = txn1IndexId(ix)
			rec.key, err = d.readLenPrefixed()
		}
		if err == nil {
			rec.message, err = d.readLenPrefixed()
		}
	case redo.OpReset:
		// the writer encodes the next transaction id relative to 0
		d.lastTxnId = 0
	case redo.OpShutdown, redo.OpClose, redo.OpEndFile,
		redo.OpTxnEnter, redo.OpTxnRollback, redo.OpTxnRollbackFinal,
		redo.OpTxnCommit, redo.OpTxnCommitFinal:
		// no operands beyond the txn id already read
	default:
		return record{}, errors.Errorf("replay: unknown opcode %d", opByte)
	}
	if err != nil {
		return record{}, err
	}
	if err := d.skipTerminator(); err != nil {
		return record{}, err
	}
	return rec, nil
}
