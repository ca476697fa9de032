// Package template implements the Template Renderer (spec.md §4.6): a
// Jinja-style engine (flosch/pongo2/v6) over a merged context of project
// config, per-resource template variables, and a synthetic `agpm.deps`
// content-inclusion namespace, with an explicit undefined-variable policy
// that pongo2 itself does not enforce.
//
// Grounded on the teacher's own two-pass "extract variables, then render"
// shape in pkg/workflow's Jinja conditional-comment expansion
// (pkg/workflow/jinja_compiler.go and friends), adapted here from GitHub
// Actions expression syntax to Jinja variable/filter syntax via pongo2.
package template

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/agext/levenshtein"
	"github.com/flosch/pongo2/v6"

	"github.com/agpm-dev/agpm/internal/agpmerr"
	"github.com/agpm-dev/agpm/internal/model"
	"github.com/agpm-dev/agpm/internal/tomljson"
)

// DepKey identifies one resolved dependency for the purposes of the
// `agpm.deps` namespace: its resource type (the namespace's top-level
// grouping) and its name — the dependency's declared `name`, or its path
// basename when none was declared — sanitized into an addressable pongo2
// path segment.
type DepKey struct {
	Type model.ResourceType
	Name string
}

// DepInfo is one entry of the `agpm.deps` namespace (spec.md §4.6): for
// every resolved dependency of a resource, keyed by its sanitized name.
type DepInfo struct {
	Path           string
	ResolvedCommit string
	Version        string
	Content        string
}

// BuildContext merges project config, explicit template vars, and the
// dependency namespace into the effective rendering context, low-to-high
// priority per spec.md §4.6.
func BuildContext(projectConfig map[string]any, templateVars map[string]any, deps map[DepKey]DepInfo) (map[string]any, error) {
	projectJSON, err := tomljson.Convert(projectConfig)
	if err != nil {
		return nil, fmt.Errorf("template: converting project config: %w", err)
	}

	depsNS := map[string]any{}
	for key, d := range deps {
		plural := key.Type.Plural()
		typeNS, ok := depsNS[plural].(map[string]any)
		if !ok {
			typeNS = map[string]any{}
			depsNS[plural] = typeNS
		}
		typeNS[sanitizeName(key.Name)] = map[string]any{
			"path":            d.Path,
			"resolved_commit": d.ResolvedCommit,
			"version":         d.Version,
			"content":         d.Content,
		}
	}

	agpmNS := map[string]any{
		"project": projectJSON,
		"deps":    depsNS,
	}

	ctx := map[string]any{"agpm": agpmNS}
	for k, v := range templateVars {
		ctx[k] = v
	}
	return ctx, nil
}

func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, "/", "_")
	return name
}

// ContextChecksum hashes ctx's canonical JSON, per spec.md §4.6's "Context
// checksum".
func ContextChecksum(ctx map[string]any) (string, error) {
	canon, err := tomljson.ToCanonicalJSON(ctx)
	if err != nil {
		return "", fmt.Errorf("template: hashing context: %w", err)
	}
	return model.ContentChecksum(canon), nil
}

// varRefPattern matches a `{{ <expr> }}` output tag, capturing the
// expression verbatim (including any filter chain) so checkUndefined can
// inspect it.
var varRefPattern = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// identPattern extracts the leading dotted variable path from a pongo2
// expression (before any filter pipe or comparison operator).
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*`)

// Render executes templateText against ctx, first validating that every
// variable reference resolves, per spec.md §4.6's undefined-variable
// policy. chain is the dependency chain leading to this render, used only
// for diagnostics.
func Render(templateText string, ctx map[string]any, chain []string) (string, error) {
	if err := checkUndefined(templateText, ctx, chain); err != nil {
		return "", err
	}

	tpl, err := pongo2.FromString(templateText)
	if err != nil {
		return "", fmt.Errorf("template: parsing: %w", err)
	}
	out, err := tpl.Execute(pongo2.Context(ctx))
	if err != nil {
		return "", fmt.Errorf("template: rendering: %w", err)
	}
	return out, nil
}

func checkUndefined(templateText string, ctx map[string]any, chain []string) error {
	available := flatten(ctx)
	var paths []string
	for p := range available {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, m := range varRefPattern.FindAllStringSubmatch(templateText, -1) {
		expr := m[1]
		if strings.Contains(expr, "|") {
			// A filter chain is present; `default(value=...)` is the
			// documented escape hatch for an otherwise-undefined
			// variable, so an expression whose filter chain uses it is
			// exempt; other filtered expressions are still checked.
			filterPart := expr[strings.Index(expr, "|"):]
			if strings.Contains(filterPart, "default(") {
				continue
			}
		}
		ident := identPattern.FindString(expr)
		if ident == "" {
			continue
		}
		if _, ok := available[ident]; ok {
			continue
		}
		if isLiteral(ident) {
			continue
		}
		return undefinedVarError(ident, available, paths, chain)
	}
	return nil
}

func isLiteral(ident string) bool {
	switch ident {
	case "true", "false", "none", "None", "nil":
		return true
	}
	if ident == "" {
		return false
	}
	return ident[0] >= '0' && ident[0] <= '9'
}

func undefinedVarError(ident string, available map[string]bool, paths []string, chain []string) error {
	grouped := map[string][]string{}
	for _, p := range paths {
		prefix := p
		if idx := strings.Index(p, "."); idx != -1 {
			prefix = p[:idx]
		}
		grouped[prefix] = append(grouped[prefix], p)
	}

	type scored struct {
		path string
		dist int
	}
	var candidates []scored
	for _, p := range paths {
		candidates = append(candidates, scored{p, levenshtein.Distance(ident, p, nil)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
	var suggestions []string
	for _, c := range candidates {
		if len(suggestions) == 3 {
			break
		}
		suggestions = append(suggestions, c.path)
	}

	var snippet string
	if strings.HasPrefix(ident, "agpm.deps.") {
		parts := strings.SplitN(strings.TrimPrefix(ident, "agpm.deps."), ".", 2)
		if len(parts) > 0 {
			typ := parts[0]
			snippet = fmt.Sprintf("declare it as a dependency, e.g.:\n[[%s.<alias>]]\npath = \"...\"\nversion = \"...\"", typ)
		}
	}

	return agpmerr.UndefinedVariableError{
		Variable:    ident,
		Available:   grouped,
		Suggestions: suggestions,
		Chain:       chain,
		DepSnippet:  snippet,
	}
}

// flatten produces a set of dotted paths present in ctx, down through
// nested map[string]any values only (slices and scalars terminate a path).
func flatten(ctx map[string]any) map[string]bool {
	out := map[string]bool{}
	var walk func(prefix string, v any)
	walk = func(prefix string, v any) {
		out[prefix] = true
		if m, ok := v.(map[string]any); ok {
			for k, vv := range m {
				walk(prefix+"."+k, vv)
			}
		}
	}
	for k, v := range ctx {
		walk(k, v)
	}
	return out
}
