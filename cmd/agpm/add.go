package main

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agpm-dev/agpm/internal/console"
	"github.com/agpm-dev/agpm/internal/installer"
	"github.com/agpm-dev/agpm/internal/lockfile"
	"github.com/agpm-dev/agpm/internal/manifest"
	"github.com/agpm-dev/agpm/internal/model"
	"github.com/agpm-dev/agpm/internal/resolver"
	"github.com/agpm-dev/agpm/internal/sourcecache"
	"github.com/agpm-dev/agpm/internal/template"
)

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Add entries to agpm.toml",
}

var addDepCmd = &cobra.Command{
	Use:   "dep <type> <source>:<path>[@version]",
	Short: "Add a dependency and resolve, reusing locked commits for unchanged dependencies",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAddDep(cmd.Context(), args[0], args[1])
	},
}

func init() {
	addCmd.AddCommand(addDepCmd)
}

// parseDepSpec splits a `<source>:<path>[@version]` spec, e.g.
// `acme:agents/reviewer.md@v1.2.0`.
func parseDepSpec(spec string) (source, repoPath, version string, err error) {
	rest := spec
	if idx := strings.LastIndex(rest, "@"); idx > 0 {
		version = rest[idx+1:]
		rest = rest[:idx]
	}
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("dependency spec %q must be of the form <source>:<path>[@version]", spec)
	}
	return parts[0], parts[1], version, nil
}

func runAddDep(ctx context.Context, typeArg, spec string) error {
	rtype, ok := model.ParseResourceType(typeArg)
	if !ok {
		err := fmt.Errorf("unknown resource type %q", typeArg)
		fatalOutput(err)
		return err
	}

	source, repoPath, version, err := parseDepSpec(spec)
	if err != nil {
		fatalOutput(err)
		return err
	}

	dir, err := os.Getwd()
	if err != nil {
		return err
	}

	m, err := manifest.Load(dir)
	if err != nil {
		fatalOutput(err)
		return err
	}
	if _, ok := m.Sources[source]; !ok {
		err := fmt.Errorf("source %q is not declared in agpm.toml", source)
		fatalOutput(err)
		return err
	}

	alias := strings.TrimSuffix(path.Base(repoPath), path.Ext(repoPath))
	fields := map[string]string{"source": source, "path": repoPath}
	if version != "" {
		fields["version"] = version
	}
	if err := manifest.AppendDependency(dir, rtype.Plural(), alias, fields); err != nil {
		fatalOutput(err)
		return err
	}

	m, err = manifest.Load(dir)
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

	if _, err := cache.EnsureSource(ctx, m.Sources[source].URL); err != nil {
		fatalOutput(err)
		return err
	}

	loaded, err := lockfile.Load(dir, false)
	if err != nil {
		fatalOutput(err)
		return err
	}

	g, err := resolver.ResolveIncremental(ctx, m, cache, wt, loaded.Lockfile, resolver.Options{MaxParallel: flagMaxParallel})
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
		MaintainGitignore: true,
	})
	if err != nil {
		fatalOutput(err)
		return err
	}

	newLock := buildLockfile(m, loaded.Lockfile, report)
	if err := lockfile.Write(filepath.Join(dir, lockfile.FileName), newLock); err != nil {
		fatalOutput(err)
		return err
	}

	if !flagQuiet {
		fmt.Println(console.Success(fmt.Sprintf("added %s %q (%s:%s)", rtype.Singular(), alias, source, repoPath)))
	}
	return nil
}
