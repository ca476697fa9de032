package installer

import (
	"crypto/sha256"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	cp "github.com/otiai10/copy"

	"github.com/agpm-dev/agpm/internal/agpmerr"
)

// MaxSkillFiles and MaxSkillBytes are the size/safety ceilings for a
// skill's directory tree, per spec.md §4.8 step 5.
const (
	MaxSkillFiles = 1000
	MaxSkillBytes = 100 * 1024 * 1024
)

// skillFile is one validated file inside a skill's source tree.
type skillFile struct {
	RelPath string // forward-slashed, relative to the skill root
	Size    int64
}

// validateSkillTree walks srcDir (already a worktree or local directory)
// and enforces spec.md §4.8's size/safety rules, skipping top-level
// dotfile entries from both the count/size totals and the returned list
// (they are not copied or hashed).
func validateSkillTree(skillName, srcDir string) ([]skillFile, error) {
	var files []skillFile
	var totalBytes int64

	err := filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(srcDir, p)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if isTopLevelDotfile(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return agpmerr.SkillValidationError{Skill: skillName, Reason: fmt.Sprintf("symlink present at %s", rel)}
		}
		if d.IsDir() {
			return nil
		}

		files = append(files, skillFile{RelPath: rel, Size: info.Size()})
		totalBytes += info.Size()
		if len(files) > MaxSkillFiles {
			return agpmerr.SkillValidationError{Skill: skillName, Reason: fmt.Sprintf("exceeds MAX_FILES=%d", MaxSkillFiles)}
		}
		if totalBytes > MaxSkillBytes {
			return agpmerr.SkillValidationError{Skill: skillName, Reason: fmt.Sprintf("exceeds MAX_BYTES=%d", MaxSkillBytes)}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func isTopLevelDotfile(rel string) bool {
	first := rel
	if idx := strings.IndexByte(rel, '/'); idx != -1 {
		first = rel[:idx]
	}
	return strings.HasPrefix(first, ".")
}

// computeSkillChecksum validates srcDir and returns the directory checksum
// defined by spec.md §4.8 step 5, without touching the destination — used
// both to decide the early-exit skip and, when a copy is needed, as the
// final recorded checksum.
func computeSkillChecksum(skillName, srcDir string) (checksum string, validated []skillFile, relPaths []string, err error) {
	validated, err = validateSkillTree(skillName, srcDir)
	if err != nil {
		return "", nil, nil, err
	}
	sort.Slice(validated, func(i, j int) bool { return validated[i].RelPath < validated[j].RelPath })

	h := sha256.New()
	relPaths = make([]string, 0, len(validated))
	for _, f := range validated {
		relPaths = append(relPaths, f.RelPath)
		data, readErr := os.ReadFile(filepath.Join(srcDir, filepath.FromSlash(f.RelPath)))
		if readErr != nil {
			return "", nil, nil, fmt.Errorf("installer: hashing skill file %s: %w", f.RelPath, readErr)
		}
		h.Write([]byte(f.RelPath))
		h.Write([]byte{0})
		h.Write(data)
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), validated, relPaths, nil
}

// copySkillTree copies srcDir's validated tree to destDir, removing
// destination files that no longer exist at the source.
func copySkillTree(skillName, srcDir, destDir string, validated []skillFile) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("installer: preparing skill directory %s: %w", destDir, err)
	}
	if err := cp.Copy(srcDir, destDir, cp.Options{
		Skip: func(srcinfo os.FileInfo, src, dest string) (bool, error) {
			rel, relErr := filepath.Rel(srcDir, src)
			if relErr != nil {
				return false, relErr
			}
			rel = filepath.ToSlash(rel)
			return rel != "." && isTopLevelDotfile(rel), nil
		},
	}); err != nil {
		return fmt.Errorf("installer: copying skill %s: %w", skillName, err)
	}
	return pruneRemovedSkillFiles(destDir, validated)
}

// pruneRemovedSkillFiles deletes any file under destDir whose relative
// path is not among kept, per spec.md §4.8's "deleting any files at the
// destination that no longer exist at the source".
func pruneRemovedSkillFiles(destDir string, kept []skillFile) error {
	wanted := make(map[string]bool, len(kept))
	for _, f := range kept {
		wanted[f.RelPath] = true
	}

	var stale []string
	err := filepath.WalkDir(destDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, relErr := filepath.Rel(destDir, p)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if isTopLevelDotfile(rel) {
			return nil
		}
		if !wanted[rel] {
			stale = append(stale, p)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, p := range stale {
		if err := os.Remove(p); err != nil {
			return fmt.Errorf("installer: pruning stale skill file %s: %w", p, err)
		}
	}
	return pruneEmptyDirs(destDir)
}

// pruneEmptyDirs removes directories under root left empty after pruning
// stale skill files.
func pruneEmptyDirs(root string) error {
	var dirs []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && p != root {
			dirs = append(dirs, p)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, d := range dirs {
		entries, err := os.ReadDir(d)
		if err != nil {
			continue
		}
		if len(entries) == 0 {
			_ = os.Remove(d)
		}
	}
	return nil
}
