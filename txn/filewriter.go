package txn

import (
	"bufio"
	"os"
	"sync"

	"github.com/pingcap/errors"
)

// FileWriter is a minimal file-backed Writer for the demo CLI: it appends
// the raw redo stream to a local file and fsyncs on commit when the
// durability mode calls for it. It is not a production redo log (there is
// no checkpoint truncation, no recovery scan), just enough to let
// cmd/redoreplay produce and later decode a real stream.
type FileWriter struct {
	mu         sync.Mutex
	f          *os.File
	w          *bufio.Writer
	lastTxnId  int64
	closeCause error
}

// OpenFileWriter creates or truncates path and returns a FileWriter over
// it.
func OpenFileWriter(path string) (*FileWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &FileWriter{f: f, w: bufio.NewWriter(f)}, nil
}

func (w *FileWriter) OpWriteCheck(mode DurabilityMode) (DurabilityMode, error) {
	if w.closeCause != nil {
		return mode, errors.WithStack(w.closeCause)
	}
	return mode, nil
}

func (w *FileWriter) Write(buf []byte, offset, length int, commitLen int) (int64, error) {
	if w.closeCause != nil {
		return 0, errors.WithStack(w.closeCause)
	}
	if _, err := w.w.Write(buf[offset : offset+length]); err != nil {
		w.closeCause = err
		return 0, errors.WithStack(err)
	}
	if commitLen < 0 {
		return 0, nil
	}
	if err := w.w.Flush(); err != nil {
		w.closeCause = err
		return 0, errors.WithStack(err)
	}
	if err := w.f.Sync(); err != nil {
		w.closeCause = err
		return 0, errors.WithStack(err)
	}
	off, err := w.f.Seek(0, os.SEEK_CUR)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return off, nil
}

// ShouldWriteTerminators is false: a local redo file is the only reader of
// its own stream and knows its own offsets, so it has no need for a
// self-synchronization marker.
func (w *FileWriter) ShouldWriteTerminators() bool { return false }

func (w *FileWriter) LastTxnId() int64      { return w.lastTxnId }
func (w *FileWriter) SetLastTxnId(id int64) { w.lastTxnId = id }

func (w *FileWriter) CloseCause() error { return w.closeCause }

func (w *FileWriter) Lock()   { w.mu.Lock() }
func (w *FileWriter) Unlock() { w.mu.Unlock() }

// Close flushes and closes the underlying file.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(w.f.Close())
}
