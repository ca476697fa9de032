package manifest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agpm-dev/agpm/internal/model"
)

// Validate applies the fatal checks from spec.md §4.1. It collects the
// full set of problems and returns them joined in a single error, so a
// user sees every problem in one run rather than fixing them one at a
// time.
func Validate(m *Manifest) error {
	var errs []string

	for name := range m.Tools {
		if toolNameBad.MatchString(name) {
			errs = append(errs, fmt.Sprintf("tool name %q must not contain '/', '\\', or '..'", name))
		}
	}

	seen := map[string]map[string]string{} // type -> lower(alias) -> original alias
	for _, entry := range m.AllDependencies() {
		rt, dep := entry.Type, entry.Dep

		if seen[string(rt)] == nil {
			seen[string(rt)] = map[string]string{}
		}
		lower := strings.ToLower(dep.Alias)
		if orig, dup := seen[string(rt)][lower]; dup {
			errs = append(errs, fmt.Sprintf("%s: case-insensitive name collision between %q and %q", rt.Plural(), orig, dep.Alias))
		} else {
			seen[string(rt)][lower] = dep.Alias
		}

		if dep.IsLocal() {
			if strings.TrimSpace(dep.EffectivePath()) == "" {
				errs = append(errs, fmt.Sprintf("%s.%s: local dependency has an empty path", rt.Plural(), dep.Alias))
			}
			if dep.Version != "" {
				errs = append(errs, fmt.Sprintf("%s.%s: local dependency may not declare a version constraint", rt.Plural(), dep.Alias))
			}
		} else {
			if _, ok := m.Sources[dep.Source]; !ok {
				errs = append(errs, fmt.Sprintf("%s.%s: source %q is not declared in [sources]", rt.Plural(), dep.Alias, dep.Source))
			}
		}

		if err := validateToolSupport(m, rt, dep); err != "" {
			errs = append(errs, err)
		}
	}

	for name, src := range m.Sources {
		if !validSourceURL(src.URL) {
			errs = append(errs, fmt.Sprintf("sources.%s: URL %q must use http(s)://, git@, or file://", name, src.URL))
		}
	}

	for typ, aliases := range m.Patch {
		rt, ok := model.ParseResourceType(typ)
		if !ok {
			errs = append(errs, fmt.Sprintf("patch.%s: unknown resource type", typ))
			continue
		}
		deps := m.resourceMaps()[rt]
		for alias := range aliases {
			if _, ok := deps[alias]; !ok {
				errs = append(errs, fmt.Sprintf("patch.%s.%s: no declared %s dependency with that alias", typ, alias, rt.Singular()))
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	sort.Strings(errs)
	return fmt.Errorf("manifest validation failed:\n  - %s", strings.Join(errs, "\n  - "))
}

// validateToolSupport checks that dep.Tool supports dep's resource type,
// distinguishing "unsupported" (tool exists, type absent) from
// "malformed" (type present but missing both path and merge_target), per
// spec.md §4.1.
func validateToolSupport(m *Manifest, rt model.ResourceType, dep Dependency) string {
	tool, ok := m.Tools[dep.Tool]
	if !ok {
		return fmt.Sprintf("%s.%s: tool %q is not declared in [tools]", rt.Plural(), dep.Alias, dep.Tool)
	}
	rc, configured := tool.Resources[rt.Plural()]
	if !configured {
		return fmt.Sprintf("%s.%s: tool %q does not support resource type %q (unsupported)", rt.Plural(), dep.Alias, dep.Tool, rt.Plural())
	}
	if !rc.Configured() {
		return fmt.Sprintf("%s.%s: tool %q has a malformed entry for %q (neither path nor merge_target set)", rt.Plural(), dep.Alias, dep.Tool, rt.Plural())
	}
	return ""
}

func validSourceURL(url string) bool {
	return strings.HasPrefix(url, "http://") ||
		strings.HasPrefix(url, "https://") ||
		strings.HasPrefix(url, "git@") ||
		strings.HasPrefix(url, "file://")
}
