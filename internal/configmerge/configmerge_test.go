package configmerge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeHooksAppendsAndReplaces(t *testing.T) {
	out, err := MergeHooks(nil, []HookEntry{
		{Identity: "hooks/a", Event: "PreToolUse", Handler: map[string]any{"command": "echo one"}},
	})
	require.NoError(t, err)

	out, err = MergeHooks(out, []HookEntry{
		{Identity: "hooks/a", Event: "PreToolUse", Handler: map[string]any{"command": "echo two"}},
		{Identity: "hooks/b", Event: "PreToolUse", Handler: map[string]any{"command": "echo three"}},
	})
	require.NoError(t, err)

	s := string(out)
	assert.Contains(t, s, "echo two")
	assert.Contains(t, s, "echo three")
	assert.NotContains(t, s, "echo one")
}

func TestRemoveHooksDropsOnlyNamedIdentity(t *testing.T) {
	out, err := MergeHooks(nil, []HookEntry{
		{Identity: "hooks/a", Event: "PreToolUse", Handler: map[string]any{"command": "a"}},
		{Identity: "hooks/b", Event: "PreToolUse", Handler: map[string]any{"command": "b"}},
	})
	require.NoError(t, err)

	out, err = RemoveHooks(out, []string{"hooks/a"})
	require.NoError(t, err)

	s := string(out)
	assert.NotContains(t, s, `"a"`)
	assert.Contains(t, s, `"b"`)
}

func TestMergeMCPServersKeyedByAlias(t *testing.T) {
	out, err := MergeMCPServers(nil, []MCPEntry{
		{Alias: "filesystem", Config: map[string]any{"command": "npx", "args": []any{"fs-server"}}},
	})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"filesystem"`)
}

func TestRemoveMCPServersIsNoOpWhenAbsent(t *testing.T) {
	out, err := RemoveMCPServers([]byte(`{"mcpServers":{}}`), []string{"nope"})
	require.NoError(t, err)
	assert.Equal(t, `{"mcpServers":{}}`, string(out))
}
