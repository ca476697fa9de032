// Package version implements the Version Resolver and conflict detection
// of spec.md §4.4: it turns declared constraints (Git refs or semver
// ranges) into concrete commits, and detects when two declared
// requirements for the same (source, path) target are incompatible.
//
// Range parsing is grounded on santosr2-uptool's internal/resolve package
// (Terraform ~>, npm ^/~, and >=/>/=/exact forms over
// Masterminds/semver/v3), generalized here into a half-open-interval
// algebra so that intersection (spec.md's "proper range algebra") can be
// computed directly instead of only membership-tested.
package version

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Interval is a half-open range [Min, Max) over semver versions. A nil
// Max means unbounded above. MinIncl/MaxIncl control boundary inclusion
// (Max is conventionally exclusive per Cargo-style caret/tilde rules, but
// explicit ">="/"<=" clauses can set either bound's inclusivity).
type Interval struct {
	Min     *semver.Version
	MinIncl bool
	Max     *semver.Version
	MaxIncl bool

	// AllowPrerelease is set when the original range itself targeted a
	// prerelease (e.g. "^1.0.0-beta.1"), per spec.md §4.3's rule that
	// prereleases are only considered when the range is itself a
	// prerelease.
	AllowPrerelease bool
}

// Contains reports whether v falls within the interval.
func (iv Interval) Contains(v *semver.Version) bool {
	if iv.Min != nil {
		cmp := v.Compare(iv.Min)
		if cmp < 0 || (cmp == 0 && !iv.MinIncl) {
			return false
		}
	}
	if iv.Max != nil {
		cmp := v.Compare(iv.Max)
		if cmp > 0 || (cmp == 0 && !iv.MaxIncl) {
			return false
		}
	}
	return true
}

// Intersect returns the intersection of two intervals and whether it is
// non-empty.
func Intersect(a, b Interval) (Interval, bool) {
	out := Interval{AllowPrerelease: a.AllowPrerelease || b.AllowPrerelease}

	switch {
	case a.Min == nil:
		out.Min, out.MinIncl = b.Min, b.MinIncl
	case b.Min == nil:
		out.Min, out.MinIncl = a.Min, a.MinIncl
	default:
		switch a.Min.Compare(b.Min) {
		case 0:
			out.Min, out.MinIncl = a.Min, a.MinIncl && b.MinIncl
		case 1:
			out.Min, out.MinIncl = a.Min, a.MinIncl
		default:
			out.Min, out.MinIncl = b.Min, b.MinIncl
		}
	}

	switch {
	case a.Max == nil:
		out.Max, out.MaxIncl = b.Max, b.MaxIncl
	case b.Max == nil:
		out.Max, out.MaxIncl = a.Max, a.MaxIncl
	default:
		switch a.Max.Compare(b.Max) {
		case 0:
			out.Max, out.MaxIncl = a.Max, a.MaxIncl && b.MaxIncl
		case -1:
			out.Max, out.MaxIncl = a.Max, a.MaxIncl
		default:
			out.Max, out.MaxIncl = b.Max, b.MaxIncl
		}
	}

	if out.Min != nil && out.Max != nil {
		cmp := out.Min.Compare(out.Max)
		if cmp > 0 {
			return Interval{}, false
		}
		if cmp == 0 && !(out.MinIncl && out.MaxIncl) {
			return Interval{}, false
		}
	}
	return out, true
}

// IntersectAll folds Intersect over every interval, returning false as
// soon as any pairwise intersection is empty. Because Intersect is
// commutative and associative (it reduces to independent min/max
// comparisons per bound), the result does not depend on fold order —
// the property spec.md §8 requires of conflict detection.
func IntersectAll(intervals []Interval) (Interval, bool) {
	if len(intervals) == 0 {
		return Interval{}, true
	}
	acc := intervals[0]
	for _, iv := range intervals[1:] {
		var ok bool
		acc, ok = Intersect(acc, iv)
		if !ok {
			return Interval{}, false
		}
	}
	return acc, true
}

// ParseRange parses a single semver range string (caret, tilde,
// Terraform pessimistic ~>, comparison operators, or a bare version
// treated as caret) into an Interval.
func ParseRange(raw string) (Interval, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" || raw == "latest" {
		return Interval{}, nil // unbounded; AllowPrerelease stays false
	}

	switch {
	case strings.HasPrefix(raw, "~>"):
		return parsePessimistic(strings.TrimSpace(strings.TrimPrefix(raw, "~>")))
	case strings.HasPrefix(raw, "^"):
		return parseCaret(strings.TrimSpace(strings.TrimPrefix(raw, "^")))
	case strings.HasPrefix(raw, "~"):
		return parseTilde(strings.TrimSpace(strings.TrimPrefix(raw, "~")))
	case strings.HasPrefix(raw, ">="):
		v, err := parseVersion(strings.TrimSpace(strings.TrimPrefix(raw, ">=")))
		if err != nil {
			return Interval{}, err
		}
		return Interval{Min: v, MinIncl: true, AllowPrerelease: v.Prerelease() != ""}, nil
	case strings.HasPrefix(raw, "<="):
		v, err := parseVersion(strings.TrimSpace(strings.TrimPrefix(raw, "<=")))
		if err != nil {
			return Interval{}, err
		}
		return Interval{Max: v, MaxIncl: true}, nil
	case strings.HasPrefix(raw, ">"):
		v, err := parseVersion(strings.TrimSpace(strings.TrimPrefix(raw, ">")))
		if err != nil {
			return Interval{}, err
		}
		return Interval{Min: v, MinIncl: false}, nil
	case strings.HasPrefix(raw, "<"):
		v, err := parseVersion(strings.TrimSpace(strings.TrimPrefix(raw, "<")))
		if err != nil {
			return Interval{}, err
		}
		return Interval{Max: v, MaxIncl: false}, nil
	case strings.HasPrefix(raw, "="):
		v, err := parseVersion(strings.TrimSpace(strings.TrimPrefix(raw, "=")))
		if err != nil {
			return Interval{}, err
		}
		return Interval{Min: v, MinIncl: true, Max: v, MaxIncl: true, AllowPrerelease: v.Prerelease() != ""}, nil
	default:
		// Bare version defaults to caret semantics, matching Cargo and
		// npm's implicit range for an unprefixed dependency version.
		return parseCaret(raw)
	}
}

func parseVersion(s string) (*semver.Version, error) {
	s = strings.TrimPrefix(s, "v")
	v, err := semver.NewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("version: invalid version %q: %w", s, err)
	}
	return v, nil
}

// parseCaret implements npm/Cargo caret semantics including the
// ^0.0.z / ^0.0 / ^0 special cases: the first nonzero component is held
// fixed, everything after may vary freely up to (but excluding) the next
// increment of that component.
func parseCaret(base string) (Interval, error) {
	major, minor, patch, n, err := splitVersionParts(base)
	if err != nil {
		return Interval{}, err
	}
	min, err := parseVersion(base)
	if err != nil {
		return Interval{}, err
	}

	var maxVer *semver.Version
	switch {
	case major > 0 || n < 2:
		maxVer = mustVersion(major+1, 0, 0)
	case minor > 0 || n < 3:
		maxVer = mustVersion(0, minor+1, 0)
	default:
		maxVer = mustVersion(0, 0, patch+1)
	}
	return Interval{Min: min, MinIncl: true, Max: maxVer, MaxIncl: false, AllowPrerelease: min.Prerelease() != ""}, nil
}

// parseTilde implements npm's ~ (patch-level freedom when minor is given,
// or minor-level when only the major component is given).
func parseTilde(base string) (Interval, error) {
	major, minor, _, n, err := splitVersionParts(base)
	if err != nil {
		return Interval{}, err
	}
	min, err := parseVersion(base)
	if err != nil {
		return Interval{}, err
	}
	var maxVer *semver.Version
	if n >= 2 {
		maxVer = mustVersion(major, minor+1, 0)
	} else {
		maxVer = mustVersion(major+1, 0, 0)
	}
	return Interval{Min: min, MinIncl: true, Max: maxVer, MaxIncl: false, AllowPrerelease: min.Prerelease() != ""}, nil
}

// parsePessimistic implements Terraform's ~> operator: ~> 5.0 allows
// [5.0.0, 6.0.0); ~> 5.0.0 allows [5.0.0, 5.1.0).
func parsePessimistic(base string) (Interval, error) {
	major, minor, _, n, err := splitVersionParts(base)
	if err != nil {
		return Interval{}, err
	}
	min, err := parseVersion(padVersion(base, n))
	if err != nil {
		return Interval{}, err
	}
	var maxVer *semver.Version
	if n >= 3 {
		maxVer = mustVersion(major, minor+1, 0)
	} else {
		maxVer = mustVersion(major+1, 0, 0)
	}
	return Interval{Min: min, MinIncl: true, Max: maxVer, MaxIncl: false}, nil
}

func padVersion(base string, n int) string {
	switch n {
	case 1:
		return base + ".0.0"
	case 2:
		return base + ".0"
	default:
		return base
	}
}

func splitVersionParts(base string) (major, minor, patch, n int, err error) {
	core := base
	if idx := strings.IndexAny(core, "-+"); idx != -1 {
		core = core[:idx]
	}
	parts := strings.Split(core, ".")
	n = len(parts)
	get := func(i int) (int, error) {
		if i >= len(parts) {
			return 0, nil
		}
		return strconv.Atoi(parts[i])
	}
	if major, err = get(0); err != nil {
		return 0, 0, 0, 0, fmt.Errorf("version: invalid version %q: %w", base, err)
	}
	if minor, err = get(1); err != nil {
		return 0, 0, 0, 0, fmt.Errorf("version: invalid version %q: %w", base, err)
	}
	if patch, err = get(2); err != nil {
		return 0, 0, 0, 0, fmt.Errorf("version: invalid version %q: %w", base, err)
	}
	return major, minor, patch, n, nil
}

func mustVersion(major, minor, patch int) *semver.Version {
	v, _ := semver.NewVersion(fmt.Sprintf("%d.%d.%d", major, minor, patch))
	return v
}
