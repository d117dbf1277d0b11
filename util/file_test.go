package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedoStreamSizeAndExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream.redo")

	assert.False(t, RedoFileExists(path))

	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))
	assert.True(t, RedoFileExists(path))

	size, err := RedoStreamSize(path)
	require.NoError(t, err)
	assert.EqualValues(t, 5, size)
}

func TestChecksumRedoFileStable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream.redo")
	require.NoError(t, os.WriteFile(path, []byte("same bytes"), 0o644))

	a, err := ChecksumRedoFile(path)
	require.NoError(t, err)
	b, err := ChecksumRedoFile(path)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRemoveRedoFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream.redo")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	removed, err := RemoveRedoFile(path)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = RemoveRedoFile(path)
	require.NoError(t, err)
	assert.False(t, removed)
}
