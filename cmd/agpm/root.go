package main

import (
	"github.com/spf13/cobra"

	"github.com/agpm-dev/agpm/internal/xlog"
)

var log = xlog.New("cli")

// flagVerbose is accepted for symmetry with the teacher's CLIs but AGPM's
// namespaced logger reads its enablement from AGPM_DEBUG at process start
// (internal/xlog), so --verbose documents that rather than toggling it.
var (
	flagVerbose bool
	flagQuiet   bool
)

var versionString = "dev"

var rootCmd = &cobra.Command{
	Use:           "agpm",
	Short:         "AGPM manages declarative packages of AI-assistant resources",
	Long:          "agpm installs and updates prompts, agents, commands, snippets, hooks,\nMCP server configs, skills, and scripts declared in agpm.toml.",
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       versionString,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "hint: set AGPM_DEBUG=* for full namespaced debug logging")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress non-error output")
	rootCmd.SetVersionTemplate("agpm {{.Version}}\n")

	defaultHelpFunc := rootCmd.HelpFunc()
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		for _, c := range cmd.Commands() {
			if c.Name() == "completion" {
				c.Hidden = true
			}
		}
		defaultHelpFunc(cmd, args)
	})

	rootCmd.AddCommand(installCmd, updateCmd, addCmd)
}
