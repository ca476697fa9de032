package installer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateGitignoreAppendsPreservingExisting(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("node_modules\n"), 0o644))

	require.NoError(t, UpdateGitignore(dir, []string{".claude/agents/reviewer.md"}))

	content, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, "node_modules\n/.claude/agents/reviewer.md\n", string(content))
}

func TestUpdateGitignoreIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, UpdateGitignore(dir, []string{".claude/agents/reviewer.md"}))
	require.NoError(t, UpdateGitignore(dir, []string{".claude/agents/reviewer.md"}))

	content, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, "/.claude/agents/reviewer.md\n", string(content))
}
