package installer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agpm-dev/agpm/internal/manifest"
	"github.com/agpm-dev/agpm/internal/model"
	"github.com/agpm-dev/agpm/internal/resolver"
)

func testManifest() *manifest.Manifest {
	return &manifest.Manifest{
		Tools: map[string]manifest.ToolConfig{
			"claude-code": {
				Name: "claude-code",
				Base: ".claude",
				Resources: map[string]manifest.ToolResourceConfig{
					"agents": {Path: "agents"},
					"hooks":  {MergeTarget: "settings.local.json"},
				},
			},
		},
	}
}

func TestResolveInstallPathFlattened(t *testing.T) {
	m := testManifest()
	flattenTrue := true
	n := &resolver.Node{
		Identity: model.ResourceIdentity{CanonicalName: "team/reviewer", Tool: "claude-code", Type: model.ResourceAgent},
		RepoPath: "agents/team/reviewer.md",
		Flatten:  &flattenTrue,
	}
	rp, err := resolveInstallPath(m, n)
	require.NoError(t, err)
	assert.False(t, rp.IsConfigMerge)
	assert.Equal(t, ".claude/agents/reviewer.md", rp.InstallPath)
}

func TestResolveInstallPathPreservesDirectoryStructure(t *testing.T) {
	m := testManifest()
	n := &resolver.Node{
		Identity: model.ResourceIdentity{CanonicalName: "team/reviewer", Tool: "claude-code", Type: model.ResourceAgent},
		RepoPath: "agents/team/reviewer.md",
	}
	rp, err := resolveInstallPath(m, n)
	require.NoError(t, err)
	assert.Equal(t, ".claude/agents/team/reviewer.md", rp.InstallPath)
}

func TestResolveInstallPathConfigMerge(t *testing.T) {
	m := testManifest()
	n := &resolver.Node{
		Identity: model.ResourceIdentity{CanonicalName: "pre-commit", Tool: "claude-code", Type: model.ResourceHook},
		RepoPath: "hooks/pre-commit.json",
	}
	rp, err := resolveInstallPath(m, n)
	require.NoError(t, err)
	assert.True(t, rp.IsConfigMerge)
	assert.Equal(t, ".claude/settings.local.json", rp.MergeTarget)
}

func TestResolveInstallPathUnsupportedType(t *testing.T) {
	m := testManifest()
	n := &resolver.Node{
		Identity: model.ResourceIdentity{CanonicalName: "x", Tool: "claude-code", Type: model.ResourceSkill},
		RepoPath: "skills/x",
	}
	_, err := resolveInstallPath(m, n)
	assert.Error(t, err)
}
