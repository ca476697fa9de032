package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// AppendDependency appends one `[<plural>.<alias>]` table to agpm.toml,
// used by `agpm add dep` (spec.md §6.5). This is a textual append rather
// than a full structural re-serialization: round-tripping the whole
// manifest through BurntSushi/toml would silently drop the user's comments
// and table ordering, which a hand-edited agpm.toml is expected to carry.
func AppendDependency(dir, plural, alias string, fields map[string]string) error {
	path := filepath.Join(dir, "agpm.toml")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("manifest: opening %s to append dependency: %w", path, err)
	}
	defer f.Close()

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if _, err := fmt.Fprintf(f, "\n[%s.%s]\n", plural, alias); err != nil {
		return err
	}
	for _, k := range keys {
		if fields[k] == "" {
			continue
		}
		if _, err := fmt.Fprintf(f, "%s = %q\n", k, fields[k]); err != nil {
			return err
		}
	}
	return nil
}
