package template

import (
	"fmt"
	"path"

	"github.com/agpm-dev/agpm/internal/agpmerr"
	"github.com/agpm-dev/agpm/internal/resolver"
)

// RenderedNode is one node's post-render output, keyed by its graph
// identity key.
type RenderedNode struct {
	Content         string // body, rendered if templating applied
	ContextChecksum string // "" when templating did not apply
}

// RenderGraph renders every templated node in g, leaves first, per
// spec.md §4.6's rendering order: a node's `agpm.deps.*.content` always
// sees its dependencies' already-rendered output. Non-templated nodes pass
// their raw body through unchanged so the `agpm.deps` namespace is
// populated uniformly for templated parents.
func RenderGraph(g *resolver.Graph, projectConfig map[string]any) (map[string]RenderedNode, error) {
	order := g.TopoSort() // dependencies already precede dependents
	out := make(map[string]RenderedNode, len(order))
	seen := map[string]bool{}

	for _, n := range order {
		key := n.Identity.Key()
		chain := []string{n.Identity.String()}

		if !n.Templating {
			out[key] = RenderedNode{Content: n.Meta.Body}
			continue
		}

		if seen[key] {
			return nil, agpmerr.CycleError{Kind: "template", Path: chain}
		}
		seen[key] = true

		deps := map[DepKey]DepInfo{}
		for _, childID := range n.Children {
			child, ok := g.Nodes[childID.Key()]
			if !ok {
				continue
			}
			rendered, ok := out[childID.Key()]
			if !ok {
				return nil, fmt.Errorf("template: %s: dependency %s not yet rendered (rendering order violated)", n.Identity, childID)
			}
			name := n.ChildNames[childID.Key()]
			if name == "" {
				// No explicit `name` declared for this dependency; fall
				// back to the basename so a path like "snippets/s.md"
				// still yields an addressable agpm.deps.snippets.s, not
				// an unaddressable path with an embedded slash.
				name = path.Base(childID.CanonicalName)
			}
			deps[DepKey{Type: childID.Type, Name: name}] = DepInfo{
				Path:           child.RepoPath,
				ResolvedCommit: child.ResolvedRef.Commit,
				Version:        child.Version,
				Content:        rendered.Content,
			}
		}

		ctx, err := BuildContext(projectConfig, n.TemplateVars, deps)
		if err != nil {
			return nil, err
		}

		content, err := Render(n.Meta.Body, ctx, chain)
		if err != nil {
			return nil, fmt.Errorf("template: rendering %s: %w", n.Identity, err)
		}

		checksum, err := ContextChecksum(ctx)
		if err != nil {
			return nil, err
		}

		out[key] = RenderedNode{Content: content, ContextChecksum: checksum}
	}

	return out, nil
}
