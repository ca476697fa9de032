package resolver

import (
	"fmt"
	"os"
	"path/filepath"
)

// filepathGlob expands pattern relative to dir, returning matches as
// forward-slashed paths relative to dir.
func filepathGlob(dir, pattern string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, filepath.FromSlash(pattern)))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		rel, err := filepath.Rel(dir, m)
		if err != nil {
			return nil, err
		}
		out = append(out, filepath.ToSlash(rel))
	}
	return out, nil
}

// readLocalFile reads a local dependency's content relative to dir (the
// manifest directory, or a parent's containing directory for a transitive
// local dependency).
func readLocalFile(dir, repoPath string) ([]byte, error) {
	full := filepath.Join(dir, filepath.FromSlash(repoPath))
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("resolver: reading local dependency %s: %w", full, err)
	}
	return data, nil
}
