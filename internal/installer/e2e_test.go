package installer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agpm-dev/agpm/internal/manifest"
	"github.com/agpm-dev/agpm/internal/metadata"
	"github.com/agpm-dev/agpm/internal/model"
	"github.com/agpm-dev/agpm/internal/resolver"
	"github.com/agpm-dev/agpm/internal/template"
)

// TestInstallPreservesFrontmatterAndAppliesPatch exercises the
// resolve→render→install shape end to end for a single local markdown
// resource: its frontmatter must survive to the installed file, and a
// [patch] override on a frontmatter field must land in it.
func TestInstallPreservesFrontmatterAndAppliesPatch(t *testing.T) {
	projectDir := t.TempDir()

	m := &manifest.Manifest{
		Tools: map[string]manifest.ToolConfig{
			"claude-code": {
				Name: "claude-code",
				Base: ".claude",
				Resources: map[string]manifest.ToolResourceConfig{
					"agents": {Path: "agents"},
				},
			},
		},
		Patch: map[string]map[string]map[string]any{
			"agents": {
				"reviewer": {"model": "haiku"},
			},
		},
	}

	identity := model.ResourceIdentity{
		CanonicalName: "reviewer",
		Tool:          "claude-code",
		Type:          model.ResourceAgent,
	}
	meta, err := metadata.Extract("agents/reviewer.md", []byte("---\nname: reviewer\nmodel: sonnet\n---\nYou are a careful reviewer.\n"), nil, nil)
	require.NoError(t, err)

	n := &resolver.Node{
		Identity: identity,
		Alias:    "reviewer",
		RepoPath: "agents/reviewer.md",
		Install:  true,
		Meta:     meta,
	}
	g := &resolver.Graph{Nodes: map[string]*resolver.Node{identity.Key(): n}}

	rendered, err := template.RenderGraph(g, nil)
	require.NoError(t, err)

	report, err := Install(context.Background(), m, g, rendered, nil, nil, nil, Options{
		ProjectDir: projectDir,
	})
	require.NoError(t, err)
	assert.True(t, report.Changed)

	installed, err := os.ReadFile(filepath.Join(projectDir, ".claude", "agents", "reviewer.md"))
	require.NoError(t, err)

	const want = "---\nmodel: haiku\nname: reviewer\n---\nYou are a careful reviewer.\n"
	assert.Equal(t, want, string(installed))
}
