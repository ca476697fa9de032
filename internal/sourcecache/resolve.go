package sourcecache

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/agpm-dev/agpm/internal/version"
)

// RefResolution is the outcome of resolving one declared constraint
// against a repository's actual refs, per spec.md §4.3.
type RefResolution struct {
	Commit  string
	TagName string // set when resolution picked a semver tag
}

// ResolveRef implements spec.md §4.3's ref-resolution rules:
//   - a full SHA resolves to itself
//   - a short SHA resolves via rev-parse
//   - a tag or branch resolves to the commit it currently points to
//   - a semver range resolves to the highest satisfying tag
//   - "latest" resolves to the highest non-prerelease semver tag
func (m *WorktreeManager) ResolveRef(ctx context.Context, url, raw string, isRef bool) (RefResolution, error) {
	repoDir, err := m.cache.EnsureSource(ctx, url)
	if err != nil {
		return RefResolution{}, err
	}

	if isHexSHA(raw) {
		if len(raw) == 40 {
			if _, err := RevParse(ctx, repoDir, raw); err != nil {
				return RefResolution{}, err
			}
			return RefResolution{Commit: raw}, nil
		}
		full, err := RevParse(ctx, repoDir, raw)
		if err != nil {
			return RefResolution{}, err
		}
		return RefResolution{Commit: full}, nil
	}

	if isRef {
		full, err := RevParse(ctx, repoDir, raw)
		if err != nil {
			return RefResolution{}, fmt.Errorf("resolving ref %q: %w", raw, err)
		}
		return RefResolution{Commit: full}, nil
	}

	tags, err := LsRemoteTags(ctx, repoDir)
	if err != nil {
		return RefResolution{}, err
	}

	if raw == "" || raw == "*" || strings.EqualFold(raw, "latest") {
		return highestTag(tags, false)
	}

	iv, err := version.ParseRange(raw)
	if err != nil {
		return RefResolution{}, err
	}
	return highestMatchingTag(tags, iv)
}

// ResolveInterval resolves an already-merged version.Interval (the output
// of version.Resolve's conflict-checked accumulation) against url's tags
// directly, without re-parsing a raw range string.
func (m *WorktreeManager) ResolveInterval(ctx context.Context, url string, iv version.Interval) (RefResolution, error) {
	repoDir, err := m.cache.EnsureSource(ctx, url)
	if err != nil {
		return RefResolution{}, err
	}
	tags, err := LsRemoteTags(ctx, repoDir)
	if err != nil {
		return RefResolution{}, err
	}
	if iv.Min == nil && iv.Max == nil {
		return highestTag(tags, iv.AllowPrerelease)
	}
	return highestMatchingTag(tags, iv)
}

// isHexSHA reports whether s looks like a (possibly abbreviated, min 7
// char) hex commit SHA.
func isHexSHA(s string) bool {
	if len(s) < 7 || len(s) > 40 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// parseTagVersion accepts both "vX.Y.Z" and "X.Y.Z" tag forms.
func parseTagVersion(tag string) (*semver.Version, bool) {
	v, err := semver.NewVersion(strings.TrimPrefix(tag, "v"))
	if err != nil {
		return nil, false
	}
	return v, true
}

func highestTag(tags map[string]string, allowPrerelease bool) (RefResolution, error) {
	type candidate struct {
		tag string
		v   *semver.Version
		sha string
	}
	var candidates []candidate
	for tag, sha := range tags {
		v, ok := parseTagVersion(tag)
		if !ok {
			continue
		}
		if v.Prerelease() != "" && !allowPrerelease {
			continue
		}
		candidates = append(candidates, candidate{tag, v, sha})
	}
	if len(candidates) == 0 {
		return RefResolution{}, fmt.Errorf("no semver tags found")
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].v.GreaterThan(candidates[j].v) })
	best := candidates[0]
	return RefResolution{Commit: best.sha, TagName: best.tag}, nil
}

func highestMatchingTag(tags map[string]string, iv version.Interval) (RefResolution, error) {
	type candidate struct {
		tag string
		v   *semver.Version
		sha string
	}
	var candidates []candidate
	for tag, sha := range tags {
		v, ok := parseTagVersion(tag)
		if !ok {
			continue
		}
		if v.Prerelease() != "" && !iv.AllowPrerelease {
			continue
		}
		if !iv.Contains(v) {
			continue
		}
		candidates = append(candidates, candidate{tag, v, sha})
	}
	if len(candidates) == 0 {
		return RefResolution{}, fmt.Errorf("no tag satisfies the requested version range")
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].v.GreaterThan(candidates[j].v) })
	best := candidates[0]
	return RefResolution{Commit: best.sha, TagName: best.tag}, nil
}

// TagMovementWarning reports whether oldCommit no longer matches the
// current resolution of a tag-like version, per spec.md §4.3's "tag
// movement warning".
func TagMovementWarning(resourceName, oldCommit, newCommit string) (string, bool) {
	if oldCommit == "" || oldCommit == newCommit {
		return "", false
	}
	shorten := func(s string) string {
		if len(s) > 8 {
			return s[:8]
		}
		return s
	}
	return fmt.Sprintf("warning: %s's pinned tag now resolves to a different commit (%s -> %s)", resourceName, shorten(oldCommit), shorten(newCommit)), true
}
