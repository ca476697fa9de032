package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalName(t *testing.T) {
	cases := map[string]string{
		"agents/a.md":        "agents/a",
		"snippets/s.md":       "snippets/s",
		"scripts/run.sh":      "scripts/run",
		"no-extension":        "no-extension",
		"nested/dir/file.json": "nested/dir/file",
	}
	for in, want := range cases {
		assert.Equal(t, want, canonicalName(in), in)
	}
}

func TestCanonicalizeRelative(t *testing.T) {
	assert.Equal(t, "snippets/s.md", canonicalizeRelative("agents/a.md", "../snippets/s.md"))
	assert.Equal(t, "agents/helpers/h.md", canonicalizeRelative("agents/a.md", "helpers/h.md"))
}

func TestValidatePathSafety(t *testing.T) {
	require.NoError(t, validatePathSafety("agents/a.md"))
	require.Error(t, validatePathSafety("../escape.md"))
	require.Error(t, validatePathSafety("/abs/path.md"))
}

func TestHasGlobMeta(t *testing.T) {
	assert.True(t, hasGlobMeta("snippets/*.md"))
	assert.True(t, hasGlobMeta("snippets/[a-z].md"))
	assert.False(t, hasGlobMeta("snippets/s.md"))
}
