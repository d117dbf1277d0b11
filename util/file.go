// Package util holds small filesystem helpers shared by the redo file
// writer and the demo CLI; nothing here is specific to the wire format.
package util

import (
	"hash/crc32"
	"io"
	"os"

	"github.com/pingcap/errors"
)

// RedoStreamSize returns the current size, in bytes, of the redo file at
// path. FileWriter reports its stream position from the file descriptor
// directly; this is for callers inspecting a closed or not-yet-opened
// stream, e.g. the demo CLI printing how much it wrote.
func RedoStreamSize(path string) (uint64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return uint64(fi.Size()), nil
}

// RedoFileExists reports whether path names an existing regular file, used
// to distinguish "nothing written yet" from a real I/O error before
// replay opens it.
func RedoFileExists(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !fi.IsDir()
}

// RemoveRedoFile deletes path if present, reporting whether it actually
// existed. Used by tests that generate a fresh stream per run.
func RemoveRedoFile(path string) (bool, error) {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, errors.WithStack(err)
	}
	return true, nil
}

// ChecksumRedoFile computes the CRC32 checksum of the redo file at path,
// letting two copies of a stream (e.g. a replica's local copy versus what
// it received) be compared cheaply without decoding either one.
func ChecksumRedoFile(path string) (uint32, error) {
	digest := crc32.NewIEEE()
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer f.Close()
	if _, err := io.Copy(digest, f); err != nil {
		return 0, errors.WithStack(err)
	}
	return digest.Sum32(), nil
}
