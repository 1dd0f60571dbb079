package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for autodev
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "autodev",
		Short: "Autonomous issue resolution engine",
		Long: `Autodev resolves tracked issues end to end by driving a coding agent
through an isolated workspace.

For each issue it clones the repository, creates a working branch, runs
the agent against the issue description, validates the response, and
pushes the change behind a pull request with optional auto-merge and
issue closure. Exhausted retryable failures land in a dead-letter queue
for later inspection.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	// Add subcommands
	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewDeadLetterCommand())

	return cmd
}
