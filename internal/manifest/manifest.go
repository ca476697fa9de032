// Package manifest loads and validates agpm.toml (and the optional
// agpm.private.toml sibling), per spec.md §4.1.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/agpm-dev/agpm/internal/model"
	"github.com/agpm-dev/agpm/internal/xlog"
)

var log = xlog.New("manifest")

// Source is an entry in the manifest's [sources] table.
type Source struct {
	Name string `toml:"-"`
	URL  string `toml:"url"`
}

// ToolConfig describes a named consumer of resources (spec.md §3).
type ToolConfig struct {
	Name      string `toml:"-"`
	Base      string `toml:"base"`
	Enabled   *bool  `toml:"enabled"` // nil means true
	Flatten   bool   `toml:"flatten"`
	Resources map[string]ToolResourceConfig `toml:"resources"`
}

// IsEnabled reports whether the tool is active; absent ⇒ enabled.
func (t ToolConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// ToolResourceConfig is a tool's per-resource-type staging rule: either a
// file `path`, or a `merge_target` JSON config file (hooks/mcp-servers).
type ToolResourceConfig struct {
	Path        string `toml:"path"`
	MergeTarget string `toml:"merge_target"`
	Flatten     *bool  `toml:"flatten"`
}

// Configured reports whether this type has either a path or a merge
// target configured for the tool — the "malformed vs unsupported"
// distinction from spec.md §4.1 hinges on this.
func (c ToolResourceConfig) Configured() bool {
	return c.Path != "" || c.MergeTarget != ""
}

// Dependency is a manifest dependency entry, decoded from a TOML table. A dependency written as a bare path string is not
// decoded into this type, and nothing in this package sets Raw.
type Dependency struct {
	Alias string `toml:"-"` // the manifest key this was declared under

	Raw string `toml:"-"` // a bare path; takes precedence over Path when set; never set by decoding

	Source       string         `toml:"source"`
	Path         string         `toml:"path"`
	Version      string         `toml:"version"`
	Branch       string         `toml:"branch"`
	Rev          string         `toml:"rev"`
	Target       string         `toml:"target"`
	Filename     string         `toml:"filename"`
	Tool         string         `toml:"tool"`
	Flatten      *bool          `toml:"flatten"`
	Install      *bool          `toml:"install"`
	TemplateVars map[string]any `toml:"template_vars"`
	Dependencies []Dependency   `toml:"dependencies"`
}

// EffectivePath returns the dependency's repo/local-relative path: Raw
// when set, otherwise Path.
func (d Dependency) EffectivePath() string {
	if d.Raw != "" {
		return d.Raw
	}
	return d.Path
}

// IsLocal reports a dependency with no source (a local file reference).
func (d Dependency) IsLocal() bool { return d.Source == "" }

// InstallEnabled reports the effective `install` flag; absent ⇒ true.
func (d Dependency) InstallEnabled() bool {
	return d.Install == nil || *d.Install
}

// VersionConstraint returns the declared ref/range, preferring an
// explicit rev or branch over `version` when both are present.
func (d Dependency) VersionConstraint() string {
	if d.Rev != "" {
		return d.Rev
	}
	if d.Branch != "" {
		return d.Branch
	}
	return d.Version
}

// Manifest is the parsed, validated agpm.toml (plus any private overlay),
// per spec.md §4.1 and §6.1.
type Manifest struct {
	Sources       map[string]Source                `toml:"sources"`
	Tools         map[string]ToolConfig             `toml:"tools"`
	Agents        map[string]Dependency             `toml:"agents"`
	Snippets      map[string]Dependency             `toml:"snippets"`
	Commands      map[string]Dependency             `toml:"commands"`
	Scripts       map[string]Dependency             `toml:"scripts"`
	Hooks         map[string]Dependency             `toml:"hooks"`
	MCPServers    map[string]Dependency             `toml:"mcp-servers"`
	Skills        map[string]Dependency             `toml:"skills"`
	Project       map[string]any                    `toml:"project"`
	DefaultTools  map[string]string                 `toml:"default-tools"`
	Patch         map[string]map[string]map[string]any `toml:"patch"` // patch[type][alias] = fields

	// PrivatePatch is merged in from agpm.private.toml, never from
	// agpm.toml itself.
	PrivatePatch map[string]map[string]map[string]any `toml:"-"`

	// Dir is the directory containing the manifest, used to resolve
	// local dependency paths.
	Dir string `toml:"-"`
}

var toolNameBad = regexp.MustCompile(`[/\\]|\.\.`)

// Load reads agpm.toml from dir, overlays agpm.private.toml if present,
// assigns aliases, applies tool defaults, and validates the result.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "agpm.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: reading %s: %w", path, err)
	}

	m := &Manifest{Dir: dir}
	if _, err := toml.Decode(string(data), m); err != nil {
		return nil, fmt.Errorf("manifest: parsing %s: %w", path, err)
	}
	m.Dir = dir
	assignAliases(m)

	privatePath := filepath.Join(dir, "agpm.private.toml")
	if data, err := os.ReadFile(privatePath); err == nil {
		log.Printf("loading private manifest overlay from %s", privatePath)
		if err := loadPrivate(data, m); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("manifest: reading %s: %w", privatePath, err)
	}

	applyToolDefaults(m)

	if err := Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

// loadPrivate parses agpm.private.toml, which must contain only [patch.*]
// sections, per spec.md §4.1/§6.2.
func loadPrivate(data []byte, m *Manifest) error {
	var raw map[string]any
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return fmt.Errorf("manifest: parsing agpm.private.toml: %w", err)
	}
	for key := range raw {
		if key != "patch" {
			return fmt.Errorf("manifest: agpm.private.toml may only contain [patch.*] sections, found %q", key)
		}
	}
	var wrapper struct {
		Patch map[string]map[string]map[string]any `toml:"patch"`
	}
	if _, err := toml.Decode(string(data), &wrapper); err != nil {
		return fmt.Errorf("manifest: parsing agpm.private.toml patches: %w", err)
	}
	m.PrivatePatch = wrapper.Patch
	return nil
}

// resourceMaps returns every (type, alias->dependency) map on the
// manifest, for code that must iterate all resource types uniformly.
func (m *Manifest) resourceMaps() map[model.ResourceType]map[string]Dependency {
	return map[model.ResourceType]map[string]Dependency{
		model.ResourceAgent:     m.Agents,
		model.ResourceSnippet:   m.Snippets,
		model.ResourceCommand:   m.Commands,
		model.ResourceScript:    m.Scripts,
		model.ResourceHook:      m.Hooks,
		model.ResourceMCPServer: m.MCPServers,
		model.ResourceSkill:     m.Skills,
	}
}

// AllDependencies returns every manifest-level dependency paired with its
// resource type and alias, in deterministic (type, alias) order.
func (m *Manifest) AllDependencies() []struct {
	Type model.ResourceType
	Dep  Dependency
} {
	var out []struct {
		Type model.ResourceType
		Dep  Dependency
	}
	for _, rt := range model.AllResourceTypes {
		deps := m.resourceMaps()[rt]
		aliases := make([]string, 0, len(deps))
		for alias := range deps {
			aliases = append(aliases, alias)
		}
		sort.Strings(aliases)
		for _, alias := range aliases {
			out = append(out, struct {
				Type model.ResourceType
				Dep  Dependency
			}{rt, deps[alias]})
		}
	}
	return out
}

func assignAliases(m *Manifest) {
	for rt, deps := range m.resourceMaps() {
		for alias, dep := range deps {
			dep.Alias = alias
			deps[alias] = dep
			_ = rt
		}
	}
}

// applyToolDefaults assigns each dependency's effective tool: explicit
// `tool` field, else `default-tools[type]`, else the type's built-in
// default (snippets→agpm, everything else→claude-code). This is the one
// canonical site for default-tool assignment (spec.md §9's open question);
// it runs once here, after load, before any tool-identity-dependent
// iteration — never again during resolution.
func applyToolDefaults(m *Manifest) {
	for rt, deps := range m.resourceMaps() {
		for alias, dep := range deps {
			if dep.Tool == "" {
				if override, ok := m.DefaultTools[rt.Plural()]; ok {
					dep.Tool = override
				} else {
					dep.Tool = rt.DefaultTool()
				}
			}
			deps[alias] = dep
		}
	}
}

// ToolFor resolves the tool config a dependency is bound to, or ok=false
// if undeclared (callers should have applied tool defaults already so
// dep.Tool is always non-empty by the time this is called).
func (m *Manifest) ToolFor(toolName string) (ToolConfig, bool) {
	tc, ok := m.Tools[toolName]
	if ok {
		tc.Name = toolName
	}
	return tc, ok
}
