package installer

import (
	"fmt"
	"os"
	"path/filepath"
)

// atomicWrite stages data into a sibling temp file and renames it over
// path, per spec.md §4.8 step 7's "atomically write bytes ... (staging
// file + rename)".
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("installer: preparing directory for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".agpm-tmp-*")
	if err != nil {
		return fmt.Errorf("installer: staging %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("installer: writing staged file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("installer: closing staged file for %s: %w", path, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("installer: setting permissions on %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("installer: renaming into place %s: %w", path, err)
	}
	return nil
}

// readIfExists returns (content, true) if path exists, or (nil, false)
// without error if it does not.
func readIfExists(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}
