package patch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyMarkdownSortsKeys(t *testing.T) {
	content := []byte("---\nname: foo\ndescription: bar\n---\nbody text\n")
	out, applied, err := Apply("agents/a.md", content, map[string]any{"zeta": "z", "alpha": "a"}, nil)
	require.NoError(t, err)
	assert.Contains(t, string(out), "alpha: a\n")
	assert.Contains(t, string(out), "body text\n")
	assert.Equal(t, "z", applied.Project["zeta"])
}

func TestApplyMarkdownNoPatchIsNoop(t *testing.T) {
	content := []byte("---\nname: foo\n---\nbody\n")
	out, _, err := Apply("agents/a.md", content, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, content, out)
}

func TestApplyJSONSortsKeys(t *testing.T) {
	content := []byte(`{"b": 1, "a": 2}`)
	out, _, err := Apply("hooks/h.json", content, map[string]any{"c": 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":3}`+"\n", string(out))
}

func TestApplyNonPatchableTypeIsNoop(t *testing.T) {
	content := []byte("#!/bin/sh\necho hi\n")
	out, _, err := Apply("scripts/run.sh", content, map[string]any{"x": 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, content, out)
}

func TestApplyTracksProjectAndPrivatePatchesSeparately(t *testing.T) {
	content := []byte("---\nname: foo\n---\nbody\n")
	_, applied, err := Apply("agents/a.md", content, map[string]any{"name": "project-name"}, map[string]any{"name": "private-name"})
	require.NoError(t, err)
	assert.Equal(t, "project-name", applied.Project["name"])
	assert.Equal(t, "private-name", applied.Private["name"])
}
