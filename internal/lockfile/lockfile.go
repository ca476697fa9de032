// Package lockfile implements the Lockfile Writer (spec.md §4.9): TOML
// serialization of the resolver's finalized graph plus installer
// checksums, validation against the manifest, and the `--frozen` vs.
// auto-regeneration behaviors around a stale or unparsable lockfile.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mattn/go-isatty"

	"github.com/agpm-dev/agpm/internal/manifest"
	"github.com/agpm-dev/agpm/internal/model"
	"github.com/agpm-dev/agpm/internal/xlog"
)

var log = xlog.New("lockfile")

// FileName is the lockfile's on-disk name, per spec.md §6.3.
const FileName = "agpm.lock"

// doc is the TOML-serializable shape: model.Lockfile's Resources map
// flattened into one named field per resource-type plural, since TOML (and
// BurntSushi's encoder) has no notion of a map keyed by an enum.
type doc struct {
	Version    int                      `toml:"version"`
	Sources    []model.SourceRecord     `toml:"sources,omitempty"`
	Agents     []model.LockedResource   `toml:"agents,omitempty"`
	Snippets   []model.LockedResource   `toml:"snippets,omitempty"`
	Commands   []model.LockedResource   `toml:"commands,omitempty"`
	Scripts    []model.LockedResource   `toml:"scripts,omitempty"`
	Hooks      []model.LockedResource   `toml:"hooks,omitempty"`
	MCPServers []model.LockedResource   `toml:"mcp-servers,omitempty"`
	Skills     []model.LockedResource   `toml:"skills,omitempty"`
}

func toDoc(lf *model.Lockfile) doc {
	d := doc{Version: lf.Version}
	d.Sources = append([]model.SourceRecord{}, lf.Sources...)
	sort.Slice(d.Sources, func(i, j int) bool { return d.Sources[i].Name < d.Sources[j].Name })

	sorted := func(rt model.ResourceType) []model.LockedResource {
		list := append([]model.LockedResource{}, lf.Resources[rt]...)
		sort.Slice(list, func(i, j int) bool { return list[i].CanonicalName < list[j].CanonicalName })
		return list
	}
	d.Agents = sorted(model.ResourceAgent)
	d.Snippets = sorted(model.ResourceSnippet)
	d.Commands = sorted(model.ResourceCommand)
	d.Scripts = sorted(model.ResourceScript)
	d.Hooks = sorted(model.ResourceHook)
	d.MCPServers = sorted(model.ResourceMCPServer)
	d.Skills = sorted(model.ResourceSkill)
	return d
}

func fromDoc(d doc) *model.Lockfile {
	lf := &model.Lockfile{
		Version: d.Version,
		Sources: d.Sources,
		Resources: map[model.ResourceType][]model.LockedResource{
			model.ResourceAgent:     d.Agents,
			model.ResourceSnippet:   d.Snippets,
			model.ResourceCommand:   d.Commands,
			model.ResourceScript:    d.Scripts,
			model.ResourceHook:      d.Hooks,
			model.ResourceMCPServer: d.MCPServers,
			model.ResourceSkill:     d.Skills,
		},
	}
	return lf
}

// Marshal serializes lf deterministically: sorted sources and sorted
// per-type resource lists, so an unchanged resolution produces
// byte-identical output across runs (spec.md §3's "byte-stable" invariant).
func Marshal(lf *model.Lockfile) ([]byte, error) {
	var b strings.Builder
	if err := toml.NewEncoder(&b).Encode(toDoc(lf)); err != nil {
		return nil, fmt.Errorf("lockfile: encoding: %w", err)
	}
	return []byte(b.String()), nil
}

// Unmarshal parses raw TOML bytes into a Lockfile.
func Unmarshal(raw []byte) (*model.Lockfile, error) {
	var d doc
	if _, err := toml.Decode(string(raw), &d); err != nil {
		return nil, fmt.Errorf("lockfile: parsing: %w", err)
	}
	return fromDoc(d), nil
}

// Write atomically serializes lf to path (staging file + rename).
func Write(path string, lf *model.Lockfile) error {
	data, err := Marshal(lf)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("lockfile: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("lockfile: renaming %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// LoadResult reports what Load did, for the CLI to decide whether to print
// a regeneration notice.
type LoadResult struct {
	Lockfile    *model.Lockfile // nil if absent or (outside --frozen) invalid
	Regenerated bool            // true if an invalid lockfile was moved aside
}

// Load reads dir's lockfile. Outside --frozen, a parse failure or an
// incompatible format version renames the file to "<name>.invalid" and
// returns a nil Lockfile with Regenerated=true so the caller proceeds with
// a fresh resolution; under --frozen, the same condition is fatal with no
// regeneration (spec.md §4.9). When stdin is not a terminal, an invalid
// lockfile is left in place and Load returns an error instead of renaming it.
func Load(dir string, frozen bool) (LoadResult, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return LoadResult{}, nil
		}
		return LoadResult{}, fmt.Errorf("lockfile: reading %s: %w", path, err)
	}

	lf, parseErr := Unmarshal(data)
	if parseErr == nil && lf.Version == model.CurrentLockfileVersion {
		return LoadResult{Lockfile: lf}, nil
	}

	var cause error
	switch {
	case parseErr != nil:
		cause = parseErr
	default:
		cause = fmt.Errorf("lockfile format version %d is incompatible with this build (expects %d)", lf.Version, model.CurrentLockfileVersion)
	}

	if frozen {
		return LoadResult{}, fmt.Errorf("lockfile: %s is invalid and --frozen forbids regeneration: %w (this is beta software; delete the lockfile manually to proceed)", path, cause)
	}

	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return LoadResult{}, fmt.Errorf("lockfile: %s is invalid (%w) and stdin is not a terminal; move it aside manually (e.g. `mv %s %s.invalid`) and re-run", path, cause, path, path)
	}

	invalidPath := path + ".invalid"
	log.Printf("moving invalid lockfile %s -> %s: %v", path, invalidPath, cause)
	if err := os.Rename(path, invalidPath); err != nil {
		return LoadResult{}, fmt.Errorf("lockfile: moving aside invalid lockfile: %w", err)
	}
	return LoadResult{Regenerated: true}, nil
}

// DivergenceReport names the ways a lockfile no longer matches a manifest,
// per spec.md §4.9's "structural divergence" check.
type DivergenceReport struct {
	MissingSources []string // manifest source names absent from the lockfile
	Unmatched      []string // manifest dependency aliases with no locked entry
}

func (r DivergenceReport) Empty() bool {
	return len(r.MissingSources) == 0 && len(r.Unmatched) == 0
}

// ValidateAgainstManifest detects structural divergence between lf and m.
func ValidateAgainstManifest(lf *model.Lockfile, m *manifest.Manifest) DivergenceReport {
	lockedSources := map[string]bool{}
	for _, s := range lf.Sources {
		lockedSources[s.Name] = true
	}
	var missingSources []string
	for name := range m.Sources {
		if !lockedSources[name] {
			missingSources = append(missingSources, name)
		}
	}
	sort.Strings(missingSources)

	lockedNames := map[string]bool{}
	for _, list := range lf.Resources {
		for _, r := range list {
			lockedNames[strings.ToLower(r.CanonicalName)] = true
		}
	}
	var unmatched []string
	for _, entry := range m.AllDependencies() {
		canonical := strings.TrimSuffix(entry.Dep.EffectivePath(), filepath.Ext(entry.Dep.EffectivePath()))
		if !lockedNames[strings.ToLower(canonical)] {
			unmatched = append(unmatched, entry.Dep.Alias)
		}
	}
	sort.Strings(unmatched)

	return DivergenceReport{MissingSources: missingSources, Unmatched: unmatched}
}
