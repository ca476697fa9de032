// Package installer implements the Installer (spec.md §4.8): it
// materializes the resolver's finalized graph to disk — rendering,
// patching, and writing one file per task on a bounded worker pool,
// copying skill directory trees, handing hook/mcp-server resources to the
// Config Merger instead of staging them, and cleaning up files that no
// longer belong.
//
// Grounded on the teacher's bounded-pool fan-out in pkg/workflow (one
// goroutine per unit of work over a sourcegraph/conc pool) and its
// staging-file-then-rename pattern for writing generated output.
package installer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/agpm-dev/agpm/internal/agpmerr"
	"github.com/agpm-dev/agpm/internal/configmerge"
	"github.com/agpm-dev/agpm/internal/manifest"
	"github.com/agpm-dev/agpm/internal/metadata"
	"github.com/agpm-dev/agpm/internal/model"
	"github.com/agpm-dev/agpm/internal/patch"
	"github.com/agpm-dev/agpm/internal/resolver"
	"github.com/agpm-dev/agpm/internal/sourcecache"
	"github.com/agpm-dev/agpm/internal/template"
	"github.com/agpm-dev/agpm/internal/xlog"
)

var log = xlog.New("installer")

// Options configures one install run.
type Options struct {
	ProjectDir        string
	MaxParallel       int
	DryRun            bool
	MaintainGitignore bool
}

// Report is everything the CLI/lockfile-writer needs after one install
// run.
type Report struct {
	Resources    map[model.ResourceType][]model.LockedResource
	Changed      bool     // true if any file/config/lockfile content would differ
	ChangedPaths []string // relative paths written, modified, or removed, for --dry-run reporting
}

// Install materializes g to disk under opts.ProjectDir, using rendered
// (the precomputed output of template.RenderGraph) for resource content,
// m for patches and tool/path configuration, wt for worktree access, and
// old (may be nil) for early-exit and cleanup comparisons.
func Install(ctx context.Context, m *manifest.Manifest, g *resolver.Graph, rendered map[string]template.RenderedNode, wt *sourcecache.WorktreeManager, cache *sourcecache.Cache, old *model.Lockfile, opts Options) (*Report, error) {
	maxParallel := opts.MaxParallel
	if maxParallel <= 0 {
		maxParallel = sourcecache.DefaultMaxParallel()
	}

	oldByKey := indexOldLockfile(old)
	log.Printf("installing %d resolved resources (max_parallel=%d, dry_run=%v)", len(g.Nodes), maxParallel, opts.DryRun)

	keys := g.Nodes
	order := make([]string, 0, len(keys))
	for k := range keys {
		order = append(order, k)
	}
	sort.Strings(order)

	type outcome struct {
		key      string
		resource model.LockedResource
		rtype    model.ResourceType
		changed  bool
		changedPath string
		hook     *configmerge.HookEntry
		mcp      *configmerge.MCPEntry
		mergeTarget string
	}

	results := make([]outcome, len(order))
	p := pool.New().WithContext(ctx).WithMaxGoroutines(maxParallel).WithCancelOnError()
	var aggMu sync.Mutex
	var aggErrs []error

	for i, key := range order {
		i, key := i, key
		n := g.Nodes[key]
		p.Go(func(ctx context.Context) error {
			out, err := processNode(ctx, m, n, rendered[key], wt, cache, oldByKey, opts)
			if err != nil {
				aggMu.Lock()
				aggErrs = append(aggErrs, fmt.Errorf("%s: %w", n.Identity, err))
				aggMu.Unlock()
				return err
			}
			results[i] = outcome{
				key: key, resource: out.resource, rtype: n.Identity.Type,
				changed: out.changed, changedPath: out.changedPath,
				hook: out.hook, mcp: out.mcp, mergeTarget: out.mergeTarget,
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		if len(aggErrs) > 1 {
			return nil, agpmerr.AggregateError{Errs: aggErrs}
		}
		return nil, aggErrs[0]
	}

	report := &Report{Resources: map[model.ResourceType][]model.LockedResource{}}
	mergeGroups := map[string]struct {
		tool   string
		target string
		hooks  []configmerge.HookEntry
		mcps   []configmerge.MCPEntry
	}{}

	for _, out := range results {
		report.Resources[out.rtype] = append(report.Resources[out.rtype], out.resource)
		if out.changed {
			report.Changed = true
			if out.changedPath != "" {
				report.ChangedPaths = append(report.ChangedPaths, out.changedPath)
			}
		}
		if out.hook != nil || out.mcp != nil {
			grp := mergeGroups[out.mergeTarget]
			grp.target = out.mergeTarget
			if out.hook != nil {
				grp.hooks = append(grp.hooks, *out.hook)
			}
			if out.mcp != nil {
				grp.mcps = append(grp.mcps, *out.mcp)
			}
			mergeGroups[out.mergeTarget] = grp
		}
	}

	removedHookIDs, removedMCPAliases := removedConfigEntries(old, g)

	targets := make([]string, 0, len(mergeGroups))
	for t := range mergeGroups {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	for _, target := range targets {
		grp := mergeGroups[target]
		changed, err := applyConfigMerge(opts.ProjectDir, target, grp.hooks, grp.mcps, removedHookIDs, removedMCPAliases, opts.DryRun)
		if err != nil {
			return nil, fmt.Errorf("installer: merging config %s: %w", target, err)
		}
		if changed {
			report.Changed = true
			report.ChangedPaths = append(report.ChangedPaths, target)
		}
	}

	cleanupPaths := cleanupStalePaths(old, g, oldByKey)
	for _, rel := range cleanupPaths {
		full := filepath.Join(opts.ProjectDir, rel)
		if !opts.DryRun {
			_ = removePathBestEffort(full)
		}
		report.Changed = true
		report.ChangedPaths = append(report.ChangedPaths, rel)
	}

	if opts.MaintainGitignore && !opts.DryRun {
		var newPaths []string
		for _, out := range results {
			if out.changed && out.changedPath != "" && out.hook == nil && out.mcp == nil {
				newPaths = append(newPaths, out.changedPath)
			}
		}
		if err := UpdateGitignore(opts.ProjectDir, newPaths); err != nil {
			return nil, fmt.Errorf("installer: updating .gitignore: %w", err)
		}
	}

	for rt := range report.Resources {
		sort.Slice(report.Resources[rt], func(i, j int) bool {
			return report.Resources[rt][i].CanonicalName < report.Resources[rt][j].CanonicalName
		})
	}
	sort.Strings(report.ChangedPaths)

	return report, nil
}

func indexOldLockfile(old *model.Lockfile) map[string]model.LockedResource {
	idx := map[string]model.LockedResource{}
	if old == nil {
		return idx
	}
	for rt, list := range old.Resources {
		for _, r := range list {
			id := model.ResourceIdentity{
				CanonicalName:     r.CanonicalName,
				Source:            r.Source,
				Tool:              r.Tool,
				Type:              rt,
				VariantInputsHash: model.VariantInputsHash(r.VariantInputs),
			}
			idx[id.Key()] = r
		}
	}
	return idx
}

type nodeOutcome struct {
	resource    model.LockedResource
	changed     bool
	changedPath string
	hook        *configmerge.HookEntry
	mcp         *configmerge.MCPEntry
	mergeTarget string
}

func processNode(ctx context.Context, m *manifest.Manifest, n *resolver.Node, rn template.RenderedNode, wt *sourcecache.WorktreeManager, cache *sourcecache.Cache, oldByKey map[string]model.LockedResource, opts Options) (nodeOutcome, error) {
	rp, err := resolveInstallPath(m, n)
	if err != nil {
		return nodeOutcome{}, err
	}

	projectPatch, privatePatch := lookupPatches(m, n)
	content := assembleContent(n.Meta, rn.Content)
	patched, applied, err := patch.Apply(n.RepoPath, content, projectPatch, privatePatch)
	if err != nil {
		return nodeOutcome{}, err
	}

	old, hadOld := oldByKey[n.Identity.Key()]

	switch {
	case rp.IsConfigMerge:
		return processConfigMergeNode(n, rp, patched, applied, old, hadOld)
	case n.Identity.Type.IsDirectory():
		return processSkillNode(ctx, m, n, rp, wt, cache, old, hadOld, opts)
	default:
		return processFileNode(n, rp, patched, applied, rn, old, hadOld, opts)
	}
}

// assembleContent reconstructs the full installable file from its rendered
// body, re-attaching the frontmatter fence metadata.Extract split off —
// the patch engine and the atomic write both need the fence present, or a
// markdown resource installs with its frontmatter silently discarded.
func assembleContent(meta metadata.Result, body string) []byte {
	if !meta.HasFrontmatter {
		return []byte(body)
	}
	var b strings.Builder
	b.WriteString("---\n")
	b.WriteString(meta.Frontmatter)
	if !strings.HasSuffix(meta.Frontmatter, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString("---\n")
	b.WriteString(body)
	return []byte(b.String())
}

func lookupPatches(m *manifest.Manifest, n *resolver.Node) (project, private map[string]any) {
	if n.Alias == "" {
		return nil, nil
	}
	plural := n.Identity.Type.Plural()
	if byAlias, ok := m.Patch[plural]; ok {
		project = byAlias[n.Alias]
	}
	if byAlias, ok := m.PrivatePatch[plural]; ok {
		private = byAlias[n.Alias]
	}
	return project, private
}

func processFileNode(n *resolver.Node, rp resolvedPath, patched []byte, applied patch.AppliedPatches, rn template.RenderedNode, old model.LockedResource, hadOld bool, opts Options) (nodeOutcome, error) {
	checksum := model.ContentChecksum(patched)
	fullPath := filepath.Join(opts.ProjectDir, rp.InstallPath)

	resource := buildLockedResource(n, rp.InstallPath, checksum, rn.ContextChecksum, applied)

	unchanged := hadOld &&
		old.Checksum == checksum &&
		old.ContextChecksum == rn.ContextChecksum &&
		reflect.DeepEqual(old.AppliedPatches.Project, applied.Project)
	if unchanged {
		if existing, exists, err := readIfExists(fullPath); err == nil && exists && model.ContentChecksum(existing) == checksum {
			return nodeOutcome{resource: resource, changed: false}, nil
		}
	}

	if !n.Install {
		return nodeOutcome{resource: resource, changed: false}, nil
	}

	if !opts.DryRun {
		if err := atomicWrite(fullPath, patched, 0o644); err != nil {
			return nodeOutcome{}, err
		}
	}
	return nodeOutcome{resource: resource, changed: true, changedPath: rp.InstallPath}, nil
}

func processSkillNode(ctx context.Context, m *manifest.Manifest, n *resolver.Node, rp resolvedPath, wt *sourcecache.WorktreeManager, cache *sourcecache.Cache, old model.LockedResource, hadOld bool, opts Options) (nodeOutcome, error) {
	var srcDir string
	if n.IsLocal() {
		srcDir = filepath.Join(n.LocalDir, filepath.FromSlash(n.RepoPath))
	} else {
		wtDir, err := wt.Acquire(ctx, n.SourceURL, n.ResolvedRef.Commit)
		if err != nil {
			return nodeOutcome{}, err
		}
		defer wt.Release(n.SourceURL, n.ResolvedRef.Commit)
		srcDir = filepath.Join(wtDir, filepath.FromSlash(n.RepoPath))
	}

	checksum, validated, relPaths, err := computeSkillChecksum(n.Identity.CanonicalName, srcDir)
	if err != nil {
		return nodeOutcome{}, err
	}

	resource := buildLockedResource(n, rp.InstallPath, checksum, "", patch.AppliedPatches{})
	resource.Files = relPaths

	destDir := filepath.Join(opts.ProjectDir, rp.InstallPath)
	if hadOld && old.Checksum == checksum && dirExists(destDir) {
		return nodeOutcome{resource: resource, changed: false}, nil
	}
	if !n.Install {
		return nodeOutcome{resource: resource, changed: false}, nil
	}
	if !opts.DryRun {
		if err := copySkillTree(n.Identity.CanonicalName, srcDir, destDir, validated); err != nil {
			return nodeOutcome{}, err
		}
	}
	return nodeOutcome{resource: resource, changed: true, changedPath: rp.InstallPath}, nil
}

func processConfigMergeNode(n *resolver.Node, rp resolvedPath, patched []byte, applied patch.AppliedPatches, old model.LockedResource, hadOld bool) (nodeOutcome, error) {
	checksum := model.ContentChecksum(patched)
	resource := buildLockedResource(n, rp.MergeTarget, checksum, "", applied)
	changed := !hadOld || old.Checksum != checksum

	out := nodeOutcome{resource: resource, changed: changed, mergeTarget: rp.MergeTarget}

	switch n.Identity.Type {
	case model.ResourceHook:
		var doc map[string]any
		if err := json.Unmarshal(patched, &doc); err != nil {
			return nodeOutcome{}, fmt.Errorf("installer: hook %s body must be a JSON object: %w", n.Identity.CanonicalName, err)
		}
		event, _ := doc["event"].(string)
		delete(doc, "event")
		out.hook = &configmerge.HookEntry{Identity: n.Identity.Key(), Event: event, Handler: doc}
	case model.ResourceMCPServer:
		var doc map[string]any
		if err := json.Unmarshal(patched, &doc); err != nil {
			return nodeOutcome{}, fmt.Errorf("installer: mcp-server %s body must be a JSON object: %w", n.Identity.CanonicalName, err)
		}
		alias := n.Alias
		if alias == "" {
			alias = n.Identity.CanonicalName
		}
		out.mcp = &configmerge.MCPEntry{Alias: alias, Config: doc}
	}
	return out, nil
}

func buildLockedResource(n *resolver.Node, installedAt, checksum, contextChecksum string, applied patch.AppliedPatches) model.LockedResource {
	children := make([]string, 0, len(n.Children))
	for _, c := range n.Children {
		children = append(children, c.CanonicalName)
	}
	sort.Strings(children)

	return model.LockedResource{
		CanonicalName:   n.Identity.CanonicalName,
		Alias:           n.Alias,
		Source:          n.SourceName,
		URL:             n.SourceURL,
		Path:            n.RepoPath,
		Version:         n.Version,
		ResolvedCommit:  n.ResolvedRef.Commit,
		Checksum:        checksum,
		ContextChecksum: contextChecksum,
		InstalledAt:     installedAt,
		Tool:            n.Identity.Tool,
		Dependencies:    children,
		AppliedPatches:  model.AppliedPatchTable{Project: applied.Project},
		Install:         n.Install,
		VariantInputs:   n.TemplateVars,
	}
}

// applyConfigMerge reads target (relative to projectDir), applies every
// hook/mcp entry destined for it plus any removals, and writes it back
// atomically. Returns whether the file's content changed.
func applyConfigMerge(projectDir, target string, hooks []configmerge.HookEntry, mcps []configmerge.MCPEntry, removedHookIDs, removedMCPAliases []string, dryRun bool) (bool, error) {
	full := filepath.Join(projectDir, target)
	existing, _, err := readIfExists(full)
	if err != nil {
		return false, err
	}

	doc := existing
	if len(hooks) > 0 {
		doc, err = configmerge.MergeHooks(doc, hooks)
		if err != nil {
			return false, err
		}
	}
	if len(removedHookIDs) > 0 {
		doc, err = configmerge.RemoveHooks(doc, removedHookIDs)
		if err != nil {
			return false, err
		}
	}
	if len(mcps) > 0 {
		doc, err = configmerge.MergeMCPServers(doc, mcps)
		if err != nil {
			return false, err
		}
	}
	if len(removedMCPAliases) > 0 {
		doc, err = configmerge.RemoveMCPServers(doc, removedMCPAliases)
		if err != nil {
			return false, err
		}
	}

	if string(doc) == string(existing) {
		return false, nil
	}
	if !dryRun {
		if err := atomicWrite(full, doc, 0o644); err != nil {
			return false, err
		}
	}
	return true, nil
}

// removedConfigEntries diffs the old lockfile's hook/mcp-server resources
// against g to find identities/aliases no longer present, per spec.md
// §4.10's "Removal".
func removedConfigEntries(old *model.Lockfile, g *resolver.Graph) (hookIDs, mcpAliases []string) {
	if old == nil {
		return nil, nil
	}
	stillPresent := map[string]bool{}
	for _, n := range g.Nodes {
		stillPresent[n.Identity.Key()] = true
	}
	for _, r := range old.Resources[model.ResourceHook] {
		id := model.ResourceIdentity{CanonicalName: r.CanonicalName, Source: r.Source, Tool: r.Tool, Type: model.ResourceHook, VariantInputsHash: model.VariantInputsHash(r.VariantInputs)}
		if !stillPresent[id.Key()] {
			hookIDs = append(hookIDs, id.Key())
		}
	}
	for _, r := range old.Resources[model.ResourceMCPServer] {
		id := model.ResourceIdentity{CanonicalName: r.CanonicalName, Source: r.Source, Tool: r.Tool, Type: model.ResourceMCPServer, VariantInputsHash: model.VariantInputsHash(r.VariantInputs)}
		if !stillPresent[id.Key()] {
			alias := r.Alias
			if alias == "" {
				alias = r.CanonicalName
			}
			mcpAliases = append(mcpAliases, alias)
		}
	}
	return hookIDs, mcpAliases
}

// cleanupStalePaths returns installed_at paths recorded in old that no
// longer correspond to any node in g (or whose node now has Install=false),
// per spec.md §4.8's "Cleanup" step. Config-merge targets are excluded —
// their removal is handled by applyConfigMerge/removedConfigEntries.
func cleanupStalePaths(old *model.Lockfile, g *resolver.Graph, oldByKey map[string]model.LockedResource) []string {
	if old == nil {
		return nil
	}
	stillInstalled := map[string]bool{}
	for _, n := range g.Nodes {
		if n.Install && !n.Identity.Type.IsConfigMerge() {
			stillInstalled[n.Identity.Key()] = true
		}
	}

	var stale []string
	for rt, list := range old.Resources {
		if rt == model.ResourceHook || rt == model.ResourceMCPServer {
			continue
		}
		for _, r := range list {
			id := model.ResourceIdentity{CanonicalName: r.CanonicalName, Source: r.Source, Tool: r.Tool, Type: rt, VariantInputsHash: model.VariantInputsHash(r.VariantInputs)}
			if !stillInstalled[id.Key()] && r.InstalledAt != "" {
				stale = append(stale, r.InstalledAt)
			}
		}
	}
	sort.Strings(stale)
	return stale
}

func dirExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

// removePathBestEffort removes a stale file or directory; ENOENT is not
// an error (another cleanup path, or a user, may have already removed it).
func removePathBestEffort(p string) error {
	if err := os.RemoveAll(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
