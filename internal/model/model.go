// Package model holds the data types shared across AGPM's pipeline:
// resource types, tool configs, dependency declarations, resource
// identities, and the locked-resource/lockfile shapes described in
// spec.md §3.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ResourceType is the closed tagged variant for resource kinds. A switch
// over ResourceType (rather than an interface per kind) keeps dispatch in
// the resolver and installer static, per SPEC_FULL.md/DESIGN.md's note on
// re-architecting the original's trait-object polymorphism.
type ResourceType string

const (
	ResourceAgent     ResourceType = "agent"
	ResourceSnippet   ResourceType = "snippet"
	ResourceCommand   ResourceType = "command"
	ResourceMCPServer ResourceType = "mcp-server"
	ResourceScript    ResourceType = "script"
	ResourceHook      ResourceType = "hook"
	ResourceSkill     ResourceType = "skill"
)

// AllResourceTypes enumerates every known resource type, in a stable order
// used for deterministic iteration over resource types.
var AllResourceTypes = []ResourceType{
	ResourceAgent, ResourceSnippet, ResourceCommand,
	ResourceMCPServer, ResourceScript, ResourceHook, ResourceSkill,
}

// capability describes a resource type's defaults, independent of any
// particular tool.
type capability struct {
	Plural      string
	Singular    string
	DefaultTool string
	IsDirectory bool // true only for skills
	IsConfig    bool // true for hook/mcp-server: merged into JSON, not staged
}

var capabilities = map[ResourceType]capability{
	ResourceAgent:     {Plural: "agents", Singular: "agent", DefaultTool: "claude-code"},
	ResourceSnippet:   {Plural: "snippets", Singular: "snippet", DefaultTool: "agpm"},
	ResourceCommand:   {Plural: "commands", Singular: "command", DefaultTool: "claude-code"},
	ResourceMCPServer: {Plural: "mcp-servers", Singular: "mcp-server", DefaultTool: "claude-code", IsConfig: true},
	ResourceScript:    {Plural: "scripts", Singular: "script", DefaultTool: "claude-code"},
	ResourceHook:      {Plural: "hooks", Singular: "hook", DefaultTool: "claude-code", IsConfig: true},
	ResourceSkill:     {Plural: "skills", Singular: "skill", DefaultTool: "claude-code", IsDirectory: true},
}

// ParseResourceType maps a manifest section key (plural form) to a
// ResourceType. ok is false for unknown keys.
func ParseResourceType(plural string) (ResourceType, bool) {
	for rt, cap := range capabilities {
		if cap.Plural == plural {
			return rt, true
		}
	}
	return "", false
}

// ValidPlurals lists every recognized resource-type section name, sorted,
// for use in "unknown resource type" diagnostics.
func ValidPlurals() []string {
	out := make([]string, 0, len(capabilities))
	for _, rt := range AllResourceTypes {
		out = append(out, capabilities[rt].Plural)
	}
	sort.Strings(out)
	return out
}

// Plural returns the manifest section name for this type.
func (rt ResourceType) Plural() string { return capabilities[rt].Plural }

// Singular returns the singular display name for this type.
func (rt ResourceType) Singular() string { return capabilities[rt].Singular }

// DefaultTool returns the tool a dependency of this type binds to absent
// an explicit `tool` field or a `default-tools` override.
func (rt ResourceType) DefaultTool() string { return capabilities[rt].DefaultTool }

// IsDirectory reports whether this type installs as a directory tree
// (skills) rather than a single file.
func (rt ResourceType) IsDirectory() bool { return capabilities[rt].IsDirectory }

// IsConfigMerge reports whether this type's content is merged into a JSON
// config file rather than staged to disk (hooks, mcp-servers).
func (rt ResourceType) IsConfigMerge() bool { return capabilities[rt].IsConfig }

// VersionConstraint is either a semver range ("^1.0.0", "~>2.1", "latest",
// "*") or a Git ref (branch/tag/SHA). Which it is gets decided by the
// resolver (a `rev` or `branch` field marks a Git ref), not here.
type VersionConstraint struct {
	Raw string
}

// IsEmpty reports an unset constraint (local dependency).
func (v VersionConstraint) IsEmpty() bool { return strings.TrimSpace(v.Raw) == "" }

// ResourceIdentity is the tuple (canonical_name, source?, tool,
// resource_type, variant_inputs_hash) that uniquely names a graph node,
// per spec.md §3.
type ResourceIdentity struct {
	CanonicalName     string
	Source            string // "" for local
	Tool              string
	Type              ResourceType
	VariantInputsHash string
}

// Key returns a stable map key for this identity. Canonical names are
// compared case-insensitively within a (type, tool) space per the
// portability invariant in spec.md §3, so the key folds case.
func (id ResourceIdentity) Key() string {
	return strings.ToLower(id.Source) + "\x00" + strings.ToLower(id.CanonicalName) + "\x00" +
		strings.ToLower(id.Tool) + "\x00" + string(id.Type) + "\x00" + id.VariantInputsHash
}

func (id ResourceIdentity) String() string {
	if id.Source == "" {
		return fmt.Sprintf("%s:%s (local, tool=%s)", id.Type, id.CanonicalName, id.Tool)
	}
	return fmt.Sprintf("%s:%s@%s (tool=%s)", id.Type, id.CanonicalName, id.Source, id.Tool)
}

// VariantInputsHash computes the SHA-256 over the canonical JSON of merged
// template variables, per spec.md §3.
func VariantInputsHash(vars map[string]any) string {
	if len(vars) == 0 {
		return ""
	}
	canon, err := CanonicalJSON(vars)
	if err != nil {
		// Template vars are always JSON-marshalable TOML-derived values;
		// a failure here indicates a caller bug, not user input.
		panic(fmt.Sprintf("model: variant inputs not JSON-safe: %v", err))
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}

// CanonicalJSON marshals v with sorted object keys and no extraneous
// whitespace, so repeated calls over equal values produce byte-identical
// output — required for the variant-inputs hash, the context checksum,
// and the lockfile's variant_inputs field (spec.md §3).
func CanonicalJSON(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// normalize converts arbitrary decoded JSON/TOML values into a form whose
// encoding/json output has deterministic key order: Go's json package
// already sorts map[string]any keys, so the only work is recursing through
// nested maps/slices to ensure every level is a plain map[string]any.
func normalize(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			n, err := normalize(vv)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			n, err := normalize(vv)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	default:
		return val, nil
	}
}

// ContentChecksum formats a sha256 digest using the lockfile's
// "sha256:<hex>" convention.
func ContentChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// LockedResource is the frozen resolution result for one identity, per
// spec.md §3.
type LockedResource struct {
	CanonicalName    string            `toml:"name"`
	Alias            string            `toml:"alias,omitempty"` // manifest alias at install time, for config-merge removal
	Source           string            `toml:"source,omitempty"`
	URL              string            `toml:"url,omitempty"`
	Path             string            `toml:"path"`
	Version          string            `toml:"version,omitempty"`
	ResolvedCommit   string            `toml:"resolved_commit,omitempty"`
	Checksum         string            `toml:"checksum"`
	ContextChecksum  string            `toml:"context_checksum,omitempty"`
	InstalledAt      string            `toml:"installed_at"`
	Tool             string            `toml:"tool"`
	Dependencies     []string          `toml:"dependencies,omitempty"`
	AppliedPatches   AppliedPatchTable `toml:"applied_patches,omitempty"`
	Install          bool              `toml:"install"`
	VariantInputs    map[string]any    `toml:"variant_inputs,omitempty"`
	Files            []string          `toml:"files,omitempty"` // skills only
}

// AppliedPatchTable is the lockfile-serializable side of applied patches:
// only the project origin is persisted, per spec.md §4.1/§4.7.
type AppliedPatchTable struct {
	Project map[string]any `toml:"project,omitempty"`
}

// SourceRecord is (name, URL, fetched_at), per spec.md §3.
type SourceRecord struct {
	Name      string `toml:"name"`
	URL       string `toml:"url"`
	FetchedAt string `toml:"fetched_at"`
}

// Lockfile is the format-versioned document described in spec.md §3/§6.3.
type Lockfile struct {
	Version     int                          `toml:"version"`
	Sources     []SourceRecord               `toml:"sources,omitempty"`
	Resources   map[ResourceType][]LockedResource `toml:"-"`
}

// CurrentLockfileVersion is the format version this AGPM build writes.
const CurrentLockfileVersion = 1
