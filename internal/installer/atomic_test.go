package installer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWriteCreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "a", "b", "c.txt")
	require.NoError(t, atomicWrite(target, []byte("hello"), 0o644))

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))

	entries, err := os.ReadDir(filepath.Join(dir, "a", "b"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAtomicWriteOverwrites(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "f.txt")
	require.NoError(t, atomicWrite(target, []byte("one"), 0o644))
	require.NoError(t, atomicWrite(target, []byte("two"), 0o644))

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "two", string(content))
}

func TestReadIfExistsMissingIsNotError(t *testing.T) {
	dir := t.TempDir()
	data, ok, err := readIfExists(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, data)
}
