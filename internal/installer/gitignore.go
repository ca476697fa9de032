package installer

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// UpdateGitignore appends any of newPaths not already present (as exact
// lines) to projectDir's .gitignore, preserving existing entries and
// ordering, per spec.md §4.8's "Gitignore maintenance".
func UpdateGitignore(projectDir string, newPaths []string) error {
	if len(newPaths) == 0 {
		return nil
	}
	path := filepath.Join(projectDir, ".gitignore")
	existing, _, err := readIfExists(path)
	if err != nil {
		return err
	}

	lines := []string{}
	seen := map[string]bool{}
	if len(existing) > 0 {
		for _, l := range strings.Split(strings.TrimRight(string(existing), "\n"), "\n") {
			lines = append(lines, l)
			seen[l] = true
		}
	}

	sorted := append([]string{}, newPaths...)
	sort.Strings(sorted)
	changed := false
	for _, p := range sorted {
		line := "/" + filepath.ToSlash(p)
		if seen[line] {
			continue
		}
		lines = append(lines, line)
		seen[line] = true
		changed = true
	}
	if !changed {
		return nil
	}

	out := strings.Join(lines, "\n") + "\n"
	return atomicWrite(path, []byte(out), 0o644)
}
