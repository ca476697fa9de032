package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/agpm-dev/agpm/internal/agpmerr"
	"github.com/agpm-dev/agpm/internal/console"
	"github.com/agpm-dev/agpm/internal/installer"
	"github.com/agpm-dev/agpm/internal/lockfile"
	"github.com/agpm-dev/agpm/internal/manifest"
	"github.com/agpm-dev/agpm/internal/model"
	"github.com/agpm-dev/agpm/internal/resolver"
	"github.com/agpm-dev/agpm/internal/sourcecache"
	"github.com/agpm-dev/agpm/internal/template"
)

var (
	flagFrozen       bool
	flagNoLock       bool
	flagNoCache      bool
	flagNoTransitive bool
	flagDryRun       bool
	flagMaxParallel  int
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Resolve agpm.toml and materialize every enabled dependency to disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInstall(cmd.Context())
	},
}

func init() {
	installCmd.Flags().BoolVar(&flagFrozen, "frozen", false, "fail instead of regenerating a stale or missing lockfile")
	installCmd.Flags().BoolVar(&flagNoLock, "no-lock", false, "install without writing agpm.lock")
	installCmd.Flags().BoolVar(&flagNoCache, "no-cache", false, "skip the proactive source pre-sync pass")
	installCmd.Flags().BoolVar(&flagNoTransitive, "no-transitive", false, "install only the manifest's direct dependencies")
	installCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "report what would change without writing anything")
	installCmd.Flags().IntVar(&flagMaxParallel, "max-parallel", 0, "bound concurrent resolve/install workers (default: max(10, 2*cores))")
}

func cacheBaseDir() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolving user cache dir: %w", err)
	}
	return filepath.Join(dir, "agpm"), nil
}

func runInstall(ctx context.Context) error {
	dir, err := os.Getwd()
	if err != nil {
		return err
	}

	m, err := manifest.Load(dir)
	if err != nil {
		fatalOutput(err)
		return err
	}

	baseDir, err := cacheBaseDir()
	if err != nil {
		fatalOutput(err)
		return err
	}
	cache := sourcecache.New(baseDir)
	wt := sourcecache.NewWorktreeManager(cache)
	defer wt.Close(ctx)

	if !flagNoCache {
		sp := console.NewSpinner("fetching sources")
		sp.Start()
		urls := make(map[string]string, len(m.Sources))
		for name, src := range m.Sources {
			urls[name] = src.URL
		}
		err := cache.PreSyncSources(ctx, urls, flagMaxParallel)
		sp.Stop()
		if err != nil {
			fatalOutput(err)
			return err
		}
	}

	loaded, err := lockfile.Load(dir, flagFrozen)
	if err != nil {
		fatalOutput(err)
		return err
	}
	old := loaded.Lockfile
	if flagFrozen && old == nil {
		err := fmt.Errorf("agpm.lock is missing and --frozen forbids generating one")
		fatalOutput(err)
		return err
	}
	if old != nil {
		div := lockfile.ValidateAgainstManifest(old, m)
		if !div.Empty() {
			if flagFrozen {
				err := agpmerr.LockfileDivergenceError{MissingSources: div.MissingSources, Unmatched: div.Unmatched}
				fatalOutput(err)
				return err
			}
			log.Printf("lockfile diverges from manifest (missing sources: %v, unmatched: %v); re-resolving", div.MissingSources, div.Unmatched)
		}
	}

	sp := console.NewSpinner("resolving dependencies")
	sp.Start()
	// install reuses the lockfile's pinned commits for every target whose
	// manifest constraint hasn't changed (like `go build` vs `go get -u`);
	// `update` calls resolver.Resolve directly to force a fresh walk.
	g, err := resolver.ResolveIncremental(ctx, m, cache, wt, old, resolver.Options{
		MaxParallel:  flagMaxParallel,
		NoTransitive: flagNoTransitive,
	})
	sp.Stop()
	if err != nil {
		fatalOutput(err)
		return err
	}

	if cycle := g.DetectCycles(); cycle != nil {
		fatalOutput(*cycle)
		return *cycle
	}

	if flagFrozen && old != nil {
		if err := checkFrozenPinning(g, old); err != nil {
			fatalOutput(err)
			return err
		}
	}

	rendered, err := template.RenderGraph(g, m.Project)
	if err != nil {
		fatalOutput(err)
		return err
	}

	report, err := installer.Install(ctx, m, g, rendered, wt, cache, old, installer.Options{
		ProjectDir:        dir,
		MaxParallel:       flagMaxParallel,
		DryRun:            flagDryRun,
		MaintainGitignore: true,
	})
	if err != nil {
		fatalOutput(err)
		return err
	}

	if !flagNoLock && !flagDryRun {
		newLock := buildLockfile(m, old, report)
		if err := lockfile.Write(filepath.Join(dir, lockfile.FileName), newLock); err != nil {
			fatalOutput(err)
			return err
		}
	}

	printInstallSummary(report)

	if flagDryRun && report.Changed {
		os.Exit(1)
	}
	return nil
}

// checkFrozenPinning rejects a --frozen install whose resolution produced
// a different commit than what agpm.lock already recorded for a resource
// — the graph is still recomputed (expanding transitive metadata changes
// isn't cacheable without re-reading every resource body), but any drift
// in the resolved version itself is exactly the divergence --frozen
// exists to catch.
func checkFrozenPinning(g *resolver.Graph, old *model.Lockfile) error {
	byKey := map[string]model.LockedResource{}
	for rt, list := range old.Resources {
		for _, r := range list {
			id := model.ResourceIdentity{
				CanonicalName:     r.CanonicalName,
				Source:            r.Source,
				Tool:              r.Tool,
				Type:              rt,
				VariantInputsHash: model.VariantInputsHash(r.VariantInputs),
			}
			byKey[id.Key()] = r
		}
	}
	var unmatched []string
	for key, n := range g.Nodes {
		if n.IsLocal() {
			continue
		}
		prev, ok := byKey[key]
		if !ok {
			continue
		}
		if prev.ResolvedCommit != n.ResolvedRef.Commit {
			unmatched = append(unmatched, fmt.Sprintf("%s (locked %s, resolved %s)", n.Identity.String(), prev.ResolvedCommit, n.ResolvedRef.Commit))
		}
	}
	if len(unmatched) > 0 {
		sort.Strings(unmatched)
		return fmt.Errorf("agpm.lock diverges from agpm.toml and --frozen forbids updating it: %v", unmatched)
	}
	return nil
}

// buildLockfile assembles the lockfile to write after a successful
// install/update. old (may be nil) supplies each source's prior
// fetched_at: a source whose URL hasn't changed since old was written
// keeps its recorded timestamp instead of being re-stamped with the
// current time, so two consecutive runs over unchanged inputs produce a
// byte-identical agpm.lock (spec.md §3).
func buildLockfile(m *manifest.Manifest, old *model.Lockfile, report *installer.Report) *model.Lockfile {
	prevFetchedAt := map[string]string{}
	if old != nil {
		for _, s := range old.Sources {
			prevFetchedAt[s.Name+"\x00"+s.URL] = s.FetchedAt
		}
	}

	names := make([]string, 0, len(m.Sources))
	for name := range m.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	sources := make([]model.SourceRecord, 0, len(names))
	for _, name := range names {
		url := m.Sources[name].URL
		fetchedAt, reused := prevFetchedAt[name+"\x00"+url]
		if !reused {
			fetchedAt = sourcecache.FetchedAt()
		}
		sources = append(sources, model.SourceRecord{
			Name:      name,
			URL:       url,
			FetchedAt: fetchedAt,
		})
	}
	return &model.Lockfile{
		Version:   model.CurrentLockfileVersion,
		Sources:   sources,
		Resources: report.Resources,
	}
}

func printInstallSummary(report *installer.Report) {
	if flagQuiet {
		return
	}
	total := 0
	for _, list := range report.Resources {
		total += len(list)
	}
	if flagDryRun {
		if report.Changed {
			fmt.Println(console.Warning(fmt.Sprintf("%d path(s) would change", len(report.ChangedPaths))))
			for _, p := range report.ChangedPaths {
				fmt.Println(console.Muted("  " + p))
			}
		} else {
			fmt.Println(console.Success("up to date, nothing would change"))
		}
		return
	}
	fmt.Println(console.Success(fmt.Sprintf("installed %d resource(s)", total)))
}

func fatalOutput(err error) {
	fmt.Fprintln(os.Stderr, console.Error(err.Error()))
}
