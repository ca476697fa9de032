package installer

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/agpm-dev/agpm/internal/manifest"
	"github.com/agpm-dev/agpm/internal/resolver"
)

// resolvedPath is where one node installs to, relative to the project
// root, plus whether it is a config-merge resource (no disk path at all).
type resolvedPath struct {
	IsConfigMerge bool
	MergeTarget   string // relative to project root
	InstallPath   string // relative to project root; "" for config-merge
}

// resolveInstallPath computes a node's on-disk destination from its tool's
// base directory and per-type resource config (spec.md §4.1's Tool Config,
// §6.6's on-disk layout). Absent an explicit spec for path construction,
// this follows the teacher's own staging convention in pkg/workflow's
// output-path handling: base + type subdir + (flattened basename, or the
// canonical name's directory structure preserved) + original extension.
func resolveInstallPath(m *manifest.Manifest, n *resolver.Node) (resolvedPath, error) {
	tool, ok := m.ToolFor(n.Identity.Tool)
	if !ok {
		return resolvedPath{}, fmt.Errorf("installer: tool %q not configured", n.Identity.Tool)
	}
	trc, ok := tool.Resources[n.Identity.Type.Plural()]
	if !ok || !trc.Configured() {
		return resolvedPath{}, fmt.Errorf("installer: tool %q does not support resource type %q", n.Identity.Tool, n.Identity.Type.Plural())
	}

	if trc.MergeTarget != "" {
		return resolvedPath{IsConfigMerge: true, MergeTarget: filepath.Join(tool.Base, trc.MergeTarget)}, nil
	}

	ext := path.Ext(n.RepoPath)
	base := path.Base(n.Identity.CanonicalName) + ext
	if n.Filename != "" {
		base = n.Filename
	}

	flatten := tool.Flatten
	if trc.Flatten != nil {
		flatten = *trc.Flatten
	}
	if n.Flatten != nil {
		flatten = *n.Flatten
	}

	var rel string
	switch {
	case n.Target != "":
		rel = n.Target
	case flatten:
		rel = base
	default:
		dir := path.Dir(n.Identity.CanonicalName)
		if dir == "." {
			rel = base
		} else {
			rel = path.Join(dir, base)
		}
	}

	full := filepath.Join(tool.Base, trc.Path, filepath.FromSlash(rel))
	return resolvedPath{InstallPath: full}, nil
}

// configMergeKey groups config-merge nodes by their destination file, so
// one config-merger call handles every hook/mcp-server that targets it.
func configMergeKey(rp resolvedPath) string {
	return strings.ToLower(rp.MergeTarget)
}
