package version

import (
	"fmt"
	"sort"
	"strings"
)

// Requirement is one declared constraint against a (source, repo-path)
// target, with the requirer's name for diagnostics (spec.md §4.4).
type Requirement struct {
	RequiredBy string
	Raw        string // "" means unconstrained (local dep or bare import)
	IsRef      bool   // true when Raw is a Git ref rather than a semver range
}

// normalizedRef trims surrounding whitespace and folds case for
// filesystem-portability comparisons, per spec.md §4.4.
func normalizedRef(ref string) string {
	return strings.ToLower(strings.TrimSpace(ref))
}

// Target accumulates every requirement seen for one (source, repo-path)
// pair during graph expansion (spec.md §4.4's "Requirements
// accumulator").
type Target struct {
	Key          string
	Requirements []Requirement
}

// Accumulator collects requirements across the whole resolution run,
// keyed by (source, path).
type Accumulator struct {
	targets map[string]*Target
	order   []string
}

// NewAccumulator returns an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{targets: map[string]*Target{}}
}

// Add records requirement req for the given (source, path) target.
func (a *Accumulator) Add(source, path string, req Requirement) {
	key := source + "\x00" + path
	t, ok := a.targets[key]
	if !ok {
		t = &Target{Key: key}
		a.targets[key] = t
		a.order = append(a.order, key)
	}
	t.Requirements = append(t.Requirements, req)
}

// Targets returns all accumulated targets in first-seen order.
func (a *Accumulator) Targets() []*Target {
	out := make([]*Target, 0, len(a.order))
	for _, k := range a.order {
		out = append(out, a.targets[k])
	}
	return out
}

// ConflictEntry names one (requirer, requirement) pair in a conflict
// report, per spec.md §4.4.
type ConflictEntry struct {
	RequiredBy string
	Constraint string
}

// Conflict is a structured conflict report for one target, per spec.md
// §4.4 and §7.
type Conflict struct {
	Target  string
	Entries []ConflictEntry
}

func (c Conflict) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "version conflict for %s:\n", c.Target)
	for _, e := range c.Entries {
		fmt.Fprintf(&b, "  required by %s: %s\n", e.RequiredBy, e.Constraint)
	}
	return b.String()
}

// Resolve checks all requirements on t for mutual compatibility per the
// rules in spec.md §4.4:
//   - all Git refs, all equal case-insensitively ⇒ compatible, use that ref
//   - all semver ranges with non-empty intersection ⇒ compatible
//   - all "*"/"latest"/empty ⇒ compatible, unconstrained
//   - mixing a non-"*" semver range with a Git ref ⇒ conflict
//   - mixing HEAD with a specific version ⇒ conflict
//
// On success it returns either a resolved Git ref (refResult != "") or a
// resolved Interval to hand to the registry/tag lookup.
func Resolve(t *Target) (refResult string, rangeResult Interval, err error) {
	var refs []Requirement
	var ranges []Requirement
	var wildcards []Requirement

	for _, r := range t.Requirements {
		switch {
		case strings.TrimSpace(r.Raw) == "" || r.Raw == "*" || strings.EqualFold(r.Raw, "latest"):
			wildcards = append(wildcards, r)
		case r.IsRef:
			refs = append(refs, r)
		default:
			ranges = append(ranges, r)
		}
	}

	if len(refs) > 0 && len(ranges) > 0 {
		return "", Interval{}, conflictFor(t)
	}

	if len(refs) > 0 {
		canonical := normalizedRef(refs[0].Raw)
		for _, r := range refs[1:] {
			if normalizedRef(r.Raw) != canonical {
				return "", Interval{}, conflictFor(t)
			}
		}
		return refs[0].Raw, Interval{}, nil
	}

	if len(ranges) == 0 {
		return "latest", Interval{}, nil
	}

	intervals := make([]Interval, 0, len(ranges))
	for _, r := range ranges {
		iv, perr := ParseRange(r.Raw)
		if perr != nil {
			return "", Interval{}, fmt.Errorf("version: %s: %w", r.RequiredBy, perr)
		}
		intervals = append(intervals, iv)
	}
	merged, ok := IntersectAll(intervals)
	if !ok {
		return "", Interval{}, conflictFor(t)
	}
	_ = wildcards
	return "", merged, nil
}

func conflictFor(t *Target) Conflict {
	entries := make([]ConflictEntry, 0, len(t.Requirements))
	for _, r := range t.Requirements {
		c := r.Raw
		if c == "" {
			c = "*"
		}
		entries = append(entries, ConflictEntry{RequiredBy: r.RequiredBy, Constraint: c})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].RequiredBy < entries[j].RequiredBy })
	return Conflict{Target: t.Key, Entries: entries}
}
