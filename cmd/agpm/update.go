package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agpm-dev/agpm/internal/console"
	"github.com/agpm-dev/agpm/internal/installer"
	"github.com/agpm-dev/agpm/internal/lockfile"
	"github.com/agpm-dev/agpm/internal/manifest"
	"github.com/agpm-dev/agpm/internal/resolver"
	"github.com/agpm-dev/agpm/internal/sourcecache"
	"github.com/agpm-dev/agpm/internal/template"
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Re-resolve every dependency against its latest matching version and reinstall",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUpdate(cmd.Context())
	},
}

func init() {
	updateCmd.Flags().BoolVar(&flagNoLock, "no-lock", false, "update without writing agpm.lock")
	updateCmd.Flags().BoolVar(&flagNoCache, "no-cache", false, "skip the proactive source pre-sync pass")
	updateCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "report what would change without writing anything")
	updateCmd.Flags().IntVar(&flagMaxParallel, "max-parallel", 0, "bound concurrent resolve/install workers (default: max(10, 2*cores))")
}

func runUpdate(ctx context.Context) error {
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
		urls := make(map[string]string, len(m.Sources))
		for name, src := range m.Sources {
			urls[name] = src.URL
		}
		if err := cache.PreSyncSources(ctx, urls, flagMaxParallel); err != nil {
			fatalOutput(err)
			return err
		}
	}

	loaded, err := lockfile.Load(dir, false)
	if err != nil {
		fatalOutput(err)
		return err
	}

	sp := console.NewSpinner("resolving latest versions")
	sp.Start()
	g, err := resolver.Resolve(ctx, m, cache, wt, resolver.Options{MaxParallel: flagMaxParallel})
	sp.Stop()
	if err != nil {
		fatalOutput(err)
		return err
	}
	if cycle := g.DetectCycles(); cycle != nil {
		fatalOutput(*cycle)
		return *cycle
	}

	rendered, err := template.RenderGraph(g, m.Project)
	if err != nil {
		fatalOutput(err)
		return err
	}

	report, err := installer.Install(ctx, m, g, rendered, wt, cache, loaded.Lockfile, installer.Options{
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
		// update always re-syncs every source, so every fetched_at is
		// genuinely fresh; pass no prior lockfile to reuse from.
		newLock := buildLockfile(m, nil, report)
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
