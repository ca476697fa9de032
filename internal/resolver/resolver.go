// Package resolver implements the Dependency Resolver (spec.md §4.5): it
// expands the manifest's declared dependencies into a finalized graph of
// Resource Identities, discovering transitive dependencies from each
// resource's own metadata, resolving versions through internal/version and
// internal/sourcecache, detecting cycles, and producing a topological
// install order.
//
// Grounded on the teacher's transitive-import expansion in
// pkg/parser/imports.go and pkg/parser/import_cache.go (worklist-driven,
// cache-backed fetch of remote files one hop at a time), generalized from a
// single GitHub-archive import shape to AGPM's multi-source, multi-type
// dependency graph.
package resolver

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/agpm-dev/agpm/internal/manifest"
	"github.com/agpm-dev/agpm/internal/metadata"
	"github.com/agpm-dev/agpm/internal/model"
	"github.com/agpm-dev/agpm/internal/sourcecache"
	"github.com/agpm-dev/agpm/internal/version"
	"github.com/agpm-dev/agpm/internal/xlog"
)

var log = xlog.New("resolver")

// Options configures one resolution run.
type Options struct {
	MaxParallel   int
	NoTransitive  bool // stop after the manifest's direct dependencies
	OldLockfile   *model.Lockfile
}

// Node is one finalized graph entry: a Resource Identity plus everything
// the installer and template renderer need without re-reading the
// manifest.
type Node struct {
	Identity model.ResourceIdentity

	Alias        string // manifest alias, or "" for transitive nodes
	RequiredBy   []string
	SourceName   string
	SourceURL    string // "" for local
	RepoPath     string // repo- or manifest-relative path, forward-slashed
	LocalDir     string // manifest dir, for local deps
	Version      string // the declared/resolved ref or range string, "" for local
	ResolvedRef  sourcecache.RefResolution
	Install      bool
	Filename     string
	Target       string
	Flatten      *bool
	TemplateVars map[string]any

	Body       []byte
	Meta       metadata.Result
	Templating bool

	Children   []model.ResourceIdentity // resolved edges, filled after expansion
	ChildNames map[string]string        // child Identity.Key() -> its DependencySpec.Name, when declared
}

// IsLocal reports whether this node has no Git source.
func (n *Node) IsLocal() bool { return n.SourceURL == "" }

// Graph is the fully expanded, deduplicated dependency graph.
type Graph struct {
	Nodes map[string]*Node // keyed by Identity.Key()
	order []string         // first-discovered order, for deterministic iteration fallback
}

func newGraph() *Graph {
	return &Graph{Nodes: map[string]*Node{}}
}

func (g *Graph) get(key string) (*Node, bool) {
	n, ok := g.Nodes[key]
	return n, ok
}

func (g *Graph) put(n *Node) {
	key := n.Identity.Key()
	if _, exists := g.Nodes[key]; !exists {
		g.order = append(g.order, key)
	}
	g.Nodes[key] = n
}

// pending is one unresolved requirement discovered during expansion: a
// request to resolve (source, path) for a given tool/variant and record an
// edge from its requirer.
type pending struct {
	sourceName string
	sourceURL  string
	localDir   string
	repoPath   string
	rawPath    string // as declared, before canonicalization (may be a pattern)
	tool       string
	rtype      model.ResourceType
	versionRaw string
	isRef      bool
	vars       map[string]any

	alias        string // non-"" only for top-level manifest deps
	declaredName string // DependencySpec.Name, for the parent's agpm.deps namespace key
	requiredBy   string
	parentKey    string // "" for manifest roots

	filename string
	target   string
	flatten  *bool
	install  bool
}

// targetKey groups pendings that share a version-resolution target per
// spec.md §4.4: requirements for the same (source, repo-path) are pooled
// regardless of tool or variant, since the same upstream commit is shared
// across tool-specific materializations of it.
func targetKeyFor(sourceURL, repoPath string) string {
	return sourceURL + "\x00" + repoPath
}

// resolveState tracks per-target resolution results and the accumulated
// requirements behind them, so a later-arriving requirement can be checked
// for compatibility against what was already resolved (spec.md §4.5 step
// 5: "If a new requirement conflicts with the stored one ... record a
// conflict").
type resolveState struct {
	mu       sync.Mutex
	acc      map[string]*version.Accumulator // targetKey -> accumulator
	resolved map[string]sourcecache.RefResolution
	reuse    map[string]sourcecache.RefResolution // pre-seeded from a prior lockfile; consulted before any network walk
	conflict *version.Conflict
}

// Resolve expands m's enabled-tool dependencies into a finalized Graph,
// breadth-first, bounded by Options.MaxParallel.
func Resolve(ctx context.Context, m *manifest.Manifest, cache *sourcecache.Cache, wt *sourcecache.WorktreeManager, opts Options) (*Graph, error) {
	return resolve(ctx, m, cache, wt, opts, nil)
}

// ResolveIncremental behaves like Resolve, but seeds resolution with the
// existing lockfile's resolved commits (spec supplement C.1): the whole
// graph is still walked and every resource re-read, but any target whose
// manifest version constraint is unchanged from what old already recorded
// reuses its locked commit instead of resolving branches/tags/ranges again.
func ResolveIncremental(ctx context.Context, m *manifest.Manifest, cache *sourcecache.Cache, wt *sourcecache.WorktreeManager, old *model.Lockfile, opts Options) (*Graph, error) {
	opts.OldLockfile = old
	return resolve(ctx, m, cache, wt, opts, buildReuseMap(m, old))
}

// buildReuseMap indexes old's locked (source, repo_path) targets whose
// declared version string still matches the manifest's current constraint
// for that same target, so resolveVersion can skip straight to the
// recorded commit instead of re-walking refs.
func buildReuseMap(m *manifest.Manifest, old *model.Lockfile) map[string]sourcecache.RefResolution {
	reuse := map[string]sourcecache.RefResolution{}
	if old == nil {
		return reuse
	}
	wanted := map[string]string{} // targetKey -> declared version constraint
	for _, entry := range m.AllDependencies() {
		dep := entry.Dep
		if dep.Source == "" {
			continue
		}
		src, ok := m.Sources[dep.Source]
		if !ok {
			continue
		}
		wanted[targetKeyFor(src.URL, dep.EffectivePath())] = dep.VersionConstraint()
	}
	for _, list := range old.Resources {
		for _, r := range list {
			if r.URL == "" {
				continue
			}
			key := targetKeyFor(r.URL, r.Path)
			if wanted[key] != r.Version {
				continue
			}
			if _, ok := reuse[key]; ok {
				continue
			}
			reuse[key] = sourcecache.RefResolution{Commit: r.ResolvedCommit}
		}
	}
	return reuse
}

func resolve(ctx context.Context, m *manifest.Manifest, cache *sourcecache.Cache, wt *sourcecache.WorktreeManager, opts Options, reuse map[string]sourcecache.RefResolution) (*Graph, error) {
	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = sourcecache.DefaultMaxParallel()
	}

	g := newGraph()
	rs := &resolveState{acc: map[string]*version.Accumulator{}, resolved: map[string]sourcecache.RefResolution{}, reuse: reuse}
	warn := metadata.NewWarningTracker()

	wave := seedWave(m)

	for len(wave) > 0 {
		if rs.conflict != nil {
			return nil, *rs.conflict
		}

		type outcome struct {
			node     *Node
			children []pending
			skip     bool
		}

		results := make([]outcome, len(wave))
		p := pool.New().WithContext(ctx).WithMaxGoroutines(maxParallel).WithCancelOnError()

		for i, item := range wave {
			i, item := i, item
			p.Go(func(ctx context.Context) error {
				n, children, skip, err := processOne(ctx, m, cache, wt, rs, warn, item, opts)
				if err != nil {
					return err
				}
				results[i] = outcome{node: n, children: children, skip: skip}
				return nil
			})
		}
		if err := p.Wait(); err != nil {
			if rs.conflict != nil {
				return nil, *rs.conflict
			}
			return nil, err
		}
		if rs.conflict != nil {
			return nil, *rs.conflict
		}

		var next []pending
		for i, item := range wave {
			out := results[i]
			if out.skip {
				// Pattern expansion: no node of its own, but its matches
				// still flow into the next wave, attributed to the same
				// parent as the pattern entry itself.
				next = append(next, out.children...)
				continue
			}
			key := out.node.Identity.Key()
			if existing, ok := g.get(key); ok {
				existing.RequiredBy = appendUnique(existing.RequiredBy, item.requiredBy)
				continue
			}
			g.put(out.node)
			if item.parentKey != "" {
				if parent, ok := g.get(item.parentKey); ok {
					parent.Children = appendIdentity(parent.Children, out.node.Identity)
					if parent.ChildNames == nil {
						parent.ChildNames = map[string]string{}
					}
					parent.ChildNames[out.node.Identity.Key()] = item.declaredName
				}
			}
			if !opts.NoTransitive {
				next = append(next, out.children...)
			}
		}
		wave = next
	}

	return g, nil
}

func appendUnique(ss []string, s string) []string {
	for _, e := range ss {
		if e == s {
			return ss
		}
	}
	return append(ss, s)
}

func appendIdentity(ids []model.ResourceIdentity, id model.ResourceIdentity) []model.ResourceIdentity {
	for _, e := range ids {
		if e.Key() == id.Key() {
			return ids
		}
	}
	return append(ids, id)
}

// seedWave builds the initial worklist from every manifest dependency whose
// resolved tool is enabled (spec.md §4.5 step 1).
func seedWave(m *manifest.Manifest) []pending {
	var wave []pending
	for _, entry := range m.AllDependencies() {
		dep := entry.Dep
		tool, ok := m.ToolFor(dep.Tool)
		if !ok || !tool.IsEnabled() {
			log.Printf("dropping %s (tool %q disabled or undeclared)", dep.Alias, dep.Tool)
			continue
		}

		p := pending{
			tool:       dep.Tool,
			rtype:      entry.Type,
			rawPath:    dep.EffectivePath(),
			versionRaw: dep.VersionConstraint(),
			isRef:      dep.Rev != "" || dep.Branch != "",
			vars:       dep.TemplateVars,
			alias:      dep.Alias,
			requiredBy: "manifest:" + dep.Alias,
			filename:   dep.Filename,
			target:     dep.Target,
			flatten:    dep.Flatten,
			install:    dep.InstallEnabled(),
		}
		if dep.Source != "" {
			src, ok := m.Sources[dep.Source]
			if !ok {
				// Manifest validation should already have caught this;
				// skip defensively rather than panic mid-resolution.
				continue
			}
			p.sourceName = dep.Source
			p.sourceURL = src.URL
			p.repoPath = dep.EffectivePath()
		} else {
			p.localDir = m.Dir
			p.repoPath = dep.EffectivePath()
		}
		wave = append(wave, p)
	}
	return wave
}

// processOne resolves one pending requirement into a finalized Node plus
// its own pending transitive children, or reports skip=true when the
// requirement is a glob pattern, whose matches are returned as pending
// items in place of a node of its own (version conflicts are written into
// rs and surfaced by the caller).
func processOne(ctx context.Context, m *manifest.Manifest, cache *sourcecache.Cache, wt *sourcecache.WorktreeManager, rs *resolveState, warn *metadata.WarningTracker, item pending, opts Options) (*Node, []pending, bool, error) {
	if err := validatePathSafety(item.repoPath); err != nil {
		return nil, nil, false, fmt.Errorf("resolver: %s: %w", item.requiredBy, err)
	}
	if hasGlobMeta(item.repoPath) {
		matches, err := expandPattern(ctx, cache, wt, rs, item)
		if err != nil {
			return nil, nil, false, err
		}
		return nil, matches, true, nil
	}

	var ref sourcecache.RefResolution
	if item.sourceURL != "" {
		resolved, err := resolveVersion(ctx, wt, rs, item)
		if err != nil {
			return nil, nil, false, err
		}
		ref = resolved
	}

	canonical := canonicalName(item.repoPath)
	variantHash := model.VariantInputsHash(item.vars)

	id := model.ResourceIdentity{
		CanonicalName:     canonical,
		Source:            item.sourceName,
		Tool:              item.tool,
		Type:              item.rtype,
		VariantInputsHash: variantHash,
	}

	n := &Node{
		Identity:     id,
		Alias:        item.alias,
		RequiredBy:   []string{item.requiredBy},
		SourceName:   item.sourceName,
		SourceURL:    item.sourceURL,
		RepoPath:     item.repoPath,
		LocalDir:     item.localDir,
		Version:      item.versionRaw,
		ResolvedRef:  ref,
		Install:      item.install,
		Filename:     item.filename,
		Target:       item.target,
		Flatten:      item.flatten,
		TemplateVars: item.vars,
	}

	body, err := readBody(ctx, cache, n)
	if err != nil {
		return nil, nil, false, err
	}
	n.Body = body

	meta, err := metadata.Extract(n.RepoPath, body, nil, warn)
	if err != nil {
		return nil, nil, false, err
	}
	n.Meta = meta
	n.Templating = meta.Templating

	var children []pending
	parentKey := id.Key()
	for rt, specs := range meta.Dependencies {
		for _, spec := range specs {
			child := pending{
				tool:         item.tool,
				rtype:        rt,
				rawPath:      spec.Path,
				versionRaw:   spec.Version,
				vars:         nil,
				requiredBy:   fmt.Sprintf("%s:%s", n.Identity.Type, canonical),
				parentKey:    parentKey,
				install:      spec.InstallEnabled(),
				declaredName: spec.Name,
			}
			if spec.Tool != "" {
				child.tool = spec.Tool
			}
			tc, ok := m.ToolFor(child.tool)
			if !ok || !tc.IsEnabled() {
				log.Printf("dropping transitive dep %s of %s (tool %q disabled)", spec.Path, canonical, child.tool)
				continue
			}
			if n.IsLocal() {
				child.localDir = n.LocalDir
				child.repoPath = canonicalizeRelative(n.RepoPath, spec.Path)
			} else {
				child.sourceName = n.SourceName
				child.sourceURL = n.SourceURL
				child.repoPath = canonicalizeRelative(n.RepoPath, spec.Path)
				// Same-source, same-version invariant: inherit the
				// parent's resolved commit unless the child declares
				// its own version.
				if child.versionRaw == "" {
					child.isRef = true
					child.versionRaw = n.ResolvedRef.Commit
				}
			}
			children = append(children, child)
		}
	}

	return n, children, false, nil
}

// resolveVersion accumulates item's requirement against its (source, path)
// target and, once every known requirement so far is compatible, resolves
// the merged result to a concrete commit.
func resolveVersion(ctx context.Context, wt *sourcecache.WorktreeManager, rs *resolveState, item pending) (sourcecache.RefResolution, error) {
	key := targetKeyFor(item.sourceURL, item.repoPath)

	rs.mu.Lock()
	if reused, ok := rs.reuse[key]; ok {
		rs.resolved[key] = reused
		rs.mu.Unlock()
		return reused, nil
	}
	acc, ok := rs.acc[key]
	if !ok {
		acc = version.NewAccumulator()
		rs.acc[key] = acc
	}
	acc.Add(item.sourceURL, item.repoPath, version.Requirement{
		RequiredBy: item.requiredBy,
		Raw:        item.versionRaw,
		IsRef:      item.isRef,
	})
	targets := acc.Targets()
	rs.mu.Unlock()

	var target *version.Target
	for _, t := range targets {
		if t.Key == key {
			target = t
			break
		}
	}

	refResult, rangeResult, err := version.Resolve(target)
	if err != nil {
		if conflict, ok := err.(version.Conflict); ok {
			rs.mu.Lock()
			if rs.conflict == nil {
				rs.conflict = &conflict
			}
			rs.mu.Unlock()
		}
		return sourcecache.RefResolution{}, err
	}

	var resolved sourcecache.RefResolution
	if refResult != "" {
		resolved, err = wt.ResolveRef(ctx, item.sourceURL, refResult, refResult != "latest")
	} else {
		resolved, err = wt.ResolveInterval(ctx, item.sourceURL, rangeResult)
	}
	if err != nil {
		return sourcecache.RefResolution{}, fmt.Errorf("resolver: resolving %s: %w", key, err)
	}

	rs.mu.Lock()
	rs.resolved[key] = resolved
	rs.mu.Unlock()
	return resolved, nil
}

// expandPattern resolves a glob dependency (spec.md §4.5's "Pattern
// dependencies") against the worktree/local contents at resolution time,
// returning one concrete pending per match.
func expandPattern(ctx context.Context, cache *sourcecache.Cache, wt *sourcecache.WorktreeManager, rs *resolveState, item pending) ([]pending, error) {
	var matches []string

	if item.sourceURL == "" {
		local, err := filepathGlob(item.localDir, item.rawPath)
		if err != nil {
			return nil, fmt.Errorf("resolver: expanding pattern %q: %w", item.rawPath, err)
		}
		matches = local
	} else {
		ref, err := resolveVersion(ctx, wt, rs, item)
		if err != nil {
			return nil, err
		}
		repoDir := cache.RepoDir(item.sourceURL)
		tree, err := sourcecache.ListTree(ctx, repoDir, ref.Commit)
		if err != nil {
			return nil, err
		}
		for _, p := range tree {
			if ok, _ := path.Match(item.repoPath, p); ok {
				matches = append(matches, p)
			}
		}
	}

	sort.Strings(matches)
	out := make([]pending, 0, len(matches))
	for _, m := range matches {
		child := item
		child.rawPath = m
		child.repoPath = m
		if err := validatePathSafety(child.repoPath); err != nil {
			return nil, fmt.Errorf("resolver: pattern match %q: %w", m, err)
		}
		out = append(out, child)
	}
	return out, nil
}

func readBody(ctx context.Context, cache *sourcecache.Cache, n *Node) ([]byte, error) {
	if n.IsLocal() {
		return readLocalFile(n.LocalDir, n.RepoPath)
	}
	repoDir := cache.RepoDir(n.SourceURL)
	return sourcecache.Show(ctx, repoDir, n.ResolvedRef.Commit, n.RepoPath)
}

// canonicalName strips the extension and forward-slash-normalizes p, per
// spec.md §3's canonical_name definition.
func canonicalName(p string) string {
	p = filepath.ToSlash(p)
	ext := path.Ext(p)
	return strings.TrimSuffix(p, ext)
}

// canonicalizeRelative resolves a transitive dependency's declared path
// relative to its parent's repo-relative directory, collapsing `..`
// segments, per spec.md §4.5 step 4.
func canonicalizeRelative(parentRepoPath, rel string) string {
	if path.IsAbs(rel) {
		return path.Clean(rel)
	}
	base := path.Dir(parentRepoPath)
	return path.Clean(path.Join(base, rel))
}

func hasGlobMeta(p string) bool {
	return strings.ContainsAny(p, "*?[")
}

// validatePathSafety rejects `..` escapes and absolute roots, per spec.md
// §4.5's pattern-dependency safety rule (applied to every path, pattern or
// not, since a non-pattern path can just as easily try to escape).
func validatePathSafety(p string) error {
	if path.IsAbs(p) {
		return fmt.Errorf("path %q must not be absolute", p)
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path %q escapes its source root", p)
	}
	return nil
}

// sortedKeys returns g's node keys sorted by (canonical name, type) for
// deterministic traversal, per spec.md §4.5's tie-breaking rule.
func (g *Graph) sortedKeys() []string {
	keys := make([]string, 0, len(g.Nodes))
	for k := range g.Nodes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := g.Nodes[keys[i]], g.Nodes[keys[j]]
		if a.Identity.CanonicalName != b.Identity.CanonicalName {
			return a.Identity.CanonicalName < b.Identity.CanonicalName
		}
		return a.Identity.Type < b.Identity.Type
	})
	return keys
}
