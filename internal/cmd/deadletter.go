package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/webedt/autodev/internal/config"
	"github.com/webedt/autodev/internal/deadletter"
)

// NewDeadLetterCommand creates the deadletter command group
func NewDeadLetterCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect abandoned tasks",
		Long: `Inspect the dead-letter queue of tasks abandoned after exhausting
their retries. Entries carry the full attempt history and the final
typed error, so a failure can be diagnosed without rerunning the task.`,
	}

	cmd.PersistentFlags().String("config", "", "Path to config file")
	cmd.PersistentFlags().String("db", "", "Path to dead-letter database (overrides config)")

	cmd.AddCommand(newDeadLetterListCommand())
	cmd.AddCommand(newDeadLetterShowCommand())

	return cmd
}

func newDeadLetterListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter entries, newest first",
		Args:  cobra.NoArgs,
		RunE:  deadLetterListCommand,
	}
	cmd.Flags().Int("limit", 20, "Maximum number of entries to show")
	return cmd
}

func newDeadLetterShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <entry-id>",
		Short: "Show one dead-letter entry in full",
		Args:  cobra.ExactArgs(1),
		RunE:  deadLetterShowCommand,
	}
}

// openDeadLetterStore resolves the database path from flags and config.
func openDeadLetterStore(cmd *cobra.Command) (*deadletter.Store, error) {
	dbPath, _ := cmd.Flags().GetString("db")
	if dbPath == "" {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		dbPath = cfg.DeadLetter.DBPath
	}

	store, err := deadletter.NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead-letter store: %w", err)
	}
	return store, nil
}

func deadLetterListCommand(cmd *cobra.Command, args []string) error {
	store, err := openDeadLetterStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	entries, err := store.List(cmd.Context(), limit)
	if err != nil {
		return fmt.Errorf("failed to list entries: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "Dead-letter queue is empty.")
		return nil
	}

	for _, e := range entries {
		fmt.Fprintf(out, "%s  %s  %-16s  %s  (%d attempt(s))\n",
			e.CreatedAt.Format(time.RFC3339), e.ID, e.Category, e.Repository, len(e.Attempts))
	}
	fmt.Fprintf(out, "\n%d entry(ies). Use 'autodev deadletter show <entry-id>' for details.\n", len(entries))
	return nil
}

func deadLetterShowCommand(cmd *cobra.Command, args []string) error {
	store, err := openDeadLetterStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	entry, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to load entry: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Entry:      %s\n", entry.ID)
	fmt.Fprintf(out, "Task:       %s\n", entry.TaskID)
	fmt.Fprintf(out, "Category:   %s\n", entry.Category)
	fmt.Fprintf(out, "Repository: %s\n", entry.Repository)
	fmt.Fprintf(out, "Recorded:   %s\n", entry.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Worker:     %s on %s (version %s)\n",
		entry.Worker.WorkerID, entry.Worker.Hostname, entry.Worker.Version)

	if len(entry.Attempts) > 0 {
		fmt.Fprintf(out, "\nAttempts:\n")
		for _, a := range entry.Attempts {
			outcome := "ok"
			if a.Error != "" {
				outcome = a.Error
			}
			fmt.Fprintf(out, "  %d. %s  %s  %d tool call(s), %d turn(s): %s\n",
				a.Attempt, a.StartedAt.Format(time.RFC3339), a.Duration.Round(time.Second),
				a.ToolUseCount, a.TurnCount, outcome)
		}
	}

	if te := entry.FinalError; te != nil {
		fmt.Fprintf(out, "\nFinal error:\n")
		fmt.Fprintf(out, "  %v\n", te)
		if te.Strategy.ManualInstructions != "" {
			fmt.Fprintf(out, "  action: %s\n", te.Strategy.ManualInstructions)
		}
		if c := te.Context; c != nil {
			fmt.Fprintf(out, "  phase: %s", c.Phase)
			if c.CurrentTool != "" {
				fmt.Fprintf(out, " (running %s)", c.CurrentTool)
			}
			fmt.Fprintln(out)
			if len(c.FilesCreated) > 0 {
				fmt.Fprintf(out, "  files created: %v\n", c.FilesCreated)
			}
			if len(c.FilesModified) > 0 {
				fmt.Fprintf(out, "  files modified: %v\n", c.FilesModified)
			}
			if len(c.FilesDeleted) > 0 {
				fmt.Fprintf(out, "  files deleted: %v\n", c.FilesDeleted)
			}
		}
	}

	return nil
}
