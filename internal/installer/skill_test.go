package installer

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestComputeSkillChecksumDeterministic(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "SKILL.md"), "# hello\n")
	writeFile(t, filepath.Join(dir, "scripts", "run.sh"), "echo hi\n")
	writeFile(t, filepath.Join(dir, ".hidden"), "ignored\n")

	sum1, _, relPaths, err := computeSkillChecksum("demo", dir)
	require.NoError(t, err)
	sum2, _, _, err := computeSkillChecksum("demo", dir)
	require.NoError(t, err)
	assert.Equal(t, sum1, sum2)
	assert.ElementsMatch(t, []string{"SKILL.md", "scripts/run.sh"}, relPaths)
}

func TestComputeSkillChecksumRejectsTooManyFiles(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < MaxSkillFiles+1; i++ {
		writeFile(t, filepath.Join(dir, "f"+strconv.Itoa(i)), "x")
	}
	_, _, _, err := computeSkillChecksum("demo", dir)
	assert.Error(t, err)
}

func TestCopySkillTreePrunesRemovedFiles(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()
	writeFile(t, filepath.Join(src, "keep.txt"), "keep")

	writeFile(t, filepath.Join(dest, "keep.txt"), "old")
	writeFile(t, filepath.Join(dest, "stale.txt"), "stale")

	_, validated, _, err := computeSkillChecksum("demo", src)
	require.NoError(t, err)
	require.NoError(t, copySkillTree("demo", src, dest, validated))

	_, err = os.Stat(filepath.Join(dest, "stale.txt"))
	assert.True(t, os.IsNotExist(err))
	content, err := os.ReadFile(filepath.Join(dest, "keep.txt"))
	require.NoError(t, err)
	assert.Equal(t, "keep", string(content))
}

