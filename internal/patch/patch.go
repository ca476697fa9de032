// Package patch implements the Patch Engine (spec.md §4.7): it overlays
// project and private patch fields onto a resource's frontmatter or JSON
// body, serializing the result with sorted keys at every depth for byte
// stability.
//
// The manual sorted-key serializer is grounded on the teacher's
// marshalSorted in pkg/parser/import_cache.go, which hand-builds JSON with
// sorted keys for the same reason (deterministic on-disk output); this
// package generalizes that approach to both JSON and YAML frontmatter and
// to arbitrary nesting depth.
package patch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/agpm-dev/agpm/internal/metadata"
	"github.com/agpm-dev/agpm/internal/tomljson"
	"github.com/agpm-dev/agpm/internal/xlog"
)

var log = xlog.New("patch")

// AppliedPatches records the patch fields requested from each origin, as
// passed to Apply, whether or not they changed the content, per spec.md
// §4.1/§4.7: only Project is ever written to the lockfile.
type AppliedPatches struct {
	Project map[string]any
	Private map[string]any
}

// Apply overlays projectPatch then privatePatch onto path's content,
// dispatching by extension. Non-markdown, non-JSON resources are no-ops.
func Apply(path string, content []byte, projectPatch, privatePatch map[string]any) ([]byte, AppliedPatches, error) {
	applied := AppliedPatches{Project: projectPatch, Private: privatePatch}

	switch {
	case strings.HasSuffix(path, ".md"):
		out, err := applyMarkdown(path, content, projectPatch, privatePatch)
		return out, applied, err
	case strings.HasSuffix(path, ".json"):
		out, err := applyJSON(path, content, projectPatch, privatePatch)
		return out, applied, err
	default:
		log.Printf("%s: patching is a no-op for this file type", path)
		return content, applied, nil
	}
}

func applyMarkdown(path string, content []byte, projectPatch, privatePatch map[string]any) ([]byte, error) {
	if len(projectPatch) == 0 && len(privatePatch) == 0 {
		return content, nil
	}

	text := string(content)
	fmText, body, hasFence := metadata.SplitFrontmatter(text)
	if !hasFence {
		return content, nil
	}

	var doc map[string]any
	if err := yaml.Unmarshal([]byte(fmText), &doc); err != nil {
		return nil, fmt.Errorf("patch: parsing frontmatter of %s: %w", path, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	merged, err := mergeDepth(doc, projectPatch, privatePatch)
	if err != nil {
		return nil, fmt.Errorf("patch: %s: %w", path, err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	writeSortedYAML(&b, merged, 0)
	b.WriteString("---\n")
	b.WriteString(body)
	return []byte(b.String()), nil
}

func applyJSON(path string, content []byte, projectPatch, privatePatch map[string]any) ([]byte, error) {
	if len(projectPatch) == 0 && len(privatePatch) == 0 {
		return content, nil
	}

	var doc map[string]any
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("patch: %s is not a JSON object: %w", path, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("patch: %s top-level JSON value must be an object", path)
	}

	merged, err := mergeDepth(doc, projectPatch, privatePatch)
	if err != nil {
		return nil, fmt.Errorf("patch: %s: %w", path, err)
	}

	var b strings.Builder
	writeSortedJSON(&b, merged, 0)
	return []byte(b.String()), nil
}

// mergeDepth applies project then private patches at the root, recursing
// through the TOML→JSON depth cap shared with internal/tomljson
// (spec.md §4.7's "Recursion" rule).
func mergeDepth(doc map[string]any, projectPatch, privatePatch map[string]any) (map[string]any, error) {
	if _, err := tomljson.Convert(doc); err != nil {
		return nil, err
	}
	out := map[string]any{}
	for k, v := range doc {
		out[k] = v
	}
	for k, v := range projectPatch {
		out[k] = v
	}
	for k, v := range privatePatch {
		out[k] = v
	}
	if _, err := tomljson.Convert(out); err != nil {
		return nil, err
	}
	return out, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// writeSortedYAML renders m as a block-style YAML mapping with keys sorted
// at every depth, for byte-stable frontmatter output.
func writeSortedYAML(b *strings.Builder, m map[string]any, indent int) {
	pad := strings.Repeat("  ", indent)
	for _, k := range sortedKeys(m) {
		v := m[k]
		switch val := v.(type) {
		case map[string]any:
			b.WriteString(pad + k + ":\n")
			writeSortedYAML(b, val, indent+1)
		case []any:
			b.WriteString(pad + k + ":\n")
			writeSortedYAMLList(b, val, indent+1)
		default:
			b.WriteString(pad + k + ": " + yamlScalar(val) + "\n")
		}
	}
}

func writeSortedYAMLList(b *strings.Builder, items []any, indent int) {
	pad := strings.Repeat("  ", indent)
	for _, item := range items {
		switch val := item.(type) {
		case map[string]any:
			b.WriteString(pad + "-\n")
			writeSortedYAML(b, val, indent+1)
		default:
			b.WriteString(pad + "- " + yamlScalar(val) + "\n")
		}
	}
}

func yamlScalar(v any) string {
	switch val := v.(type) {
	case string:
		if needsYAMLQuote(val) {
			return strconv.Quote(val)
		}
		return val
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case int:
		return strconv.Itoa(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func needsYAMLQuote(s string) bool {
	if s == "" {
		return true
	}
	switch s {
	case "true", "false", "null", "~":
		return true
	}
	for _, c := range []string{":", "#", "{", "}", "[", "]", "\n", "\"", "'"} {
		if strings.Contains(s, c) {
			return true
		}
	}
	return strings.TrimSpace(s) != s
}

// writeSortedJSON renders v as JSON with keys sorted at every depth and no
// extraneous whitespace beyond a single trailing newline.
func writeSortedJSON(b *strings.Builder, v any, depth int) {
	switch val := v.(type) {
	case map[string]any:
		b.WriteByte('{')
		keys := sortedKeys(val)
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			writeSortedJSON(b, val[k], depth+1)
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeSortedJSON(b, item, depth+1)
		}
		b.WriteByte(']')
	case string:
		b.WriteString(strconv.Quote(val))
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(val))
	case float64:
		b.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
	default:
		b.WriteString(fmt.Sprintf("%v", val))
	}
	if depth == 0 {
		b.WriteByte('\n')
	}
}
