package cmd

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/webedt/autodev/internal/agent"
	"github.com/webedt/autodev/internal/config"
	"github.com/webedt/autodev/internal/deadletter"
	"github.com/webedt/autodev/internal/executor"
	"github.com/webedt/autodev/internal/github"
	"github.com/webedt/autodev/internal/logger"
	"github.com/webedt/autodev/internal/models"
	"github.com/webedt/autodev/internal/workspace"
)

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <issue-number>...",
		Short: "Resolve one or more issues autonomously",
		Long: `Resolve the given issue numbers against a single repository.

Each issue becomes an independent task: clone into an isolated workspace,
branch, run the agent, push the change, open a pull request, attempt an
auto-merge, and close the issue. Tasks run concurrently up to the
configured limit.

Configuration is loaded from the --config file if given. CLI flags
override configuration file settings. The GitHub token falls back to the
GITHUB_TOKEN environment variable.

Examples:
  # Resolve a single issue
  autodev run --owner acme --repo widgets 42

  # Resolve several issues, four at a time
  autodev run --owner acme --repo widgets --concurrency 4 42 43 57

  # Use a config file and a custom base branch
  autodev run --config autodev.yaml --owner acme --repo widgets --base develop 42`,
		Args: cobra.MinimumNArgs(1),
		RunE: runCommand,
	}

	// Add flags
	cmd.Flags().String("config", "", "Path to config file")
	cmd.Flags().String("owner", "", "Repository owner (required)")
	cmd.Flags().String("repo", "", "Repository name (required)")
	cmd.Flags().String("token", "", "GitHub token (default: GITHUB_TOKEN env)")
	cmd.Flags().String("base", "main", "Base branch for pull requests")
	cmd.Flags().String("workspace-root", "", "Directory for per-task workspaces")
	cmd.Flags().Int("concurrency", -1, "Maximum number of concurrent tasks (-1 = use config)")
	cmd.Flags().String("log-level", "", "Log level (trace, debug, info, warn, error)")
	cmd.Flags().String("timeout", "", "Per-attempt agent timeout (e.g. 30m, 1h)")

	return cmd
}

// runCommand implements the run command logic
func runCommand(cmd *cobra.Command, args []string) error {
	issues, err := parseIssueNumbers(args)
	if err != nil {
		return err
	}

	// Load configuration from file
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Build flag pointers for merge (only non-default values)
	var workspaceRootPtr *string
	if cmd.Flags().Changed("workspace-root") {
		workspaceRoot, _ := cmd.Flags().GetString("workspace-root")
		workspaceRootPtr = &workspaceRoot
	}

	var concurrencyPtr *int
	if cmd.Flags().Changed("concurrency") {
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		concurrencyPtr = &concurrency
	}

	var logLevelPtr *string
	if cmd.Flags().Changed("log-level") {
		logLevel, _ := cmd.Flags().GetString("log-level")
		logLevelPtr = &logLevel
	}

	var timeoutPtr *time.Duration
	if cmd.Flags().Changed("timeout") {
		timeoutStr, _ := cmd.Flags().GetString("timeout")
		timeout, err := time.ParseDuration(timeoutStr)
		if err != nil {
			return fmt.Errorf("invalid timeout format %q: %w", timeoutStr, err)
		}
		timeoutPtr = &timeout
	}

	// Merge CLI flags with config (flags take precedence)
	cfg.MergeWithFlags(workspaceRootPtr, concurrencyPtr, logLevelPtr, timeoutPtr)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	owner, _ := cmd.Flags().GetString("owner")
	repo, _ := cmd.Flags().GetString("repo")
	if owner == "" || repo == "" {
		return fmt.Errorf("--owner and --repo are required")
	}

	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}
	if token == "" {
		return fmt.Errorf("a GitHub token is required (--token or GITHUB_TOKEN)")
	}

	base, _ := cmd.Flags().GetString("base")

	log := logger.NewConsoleLogger(os.Stdout, cfg.LogLevel)

	gh, err := github.NewClient(github.Config{
		Owner: owner,
		Repo:  repo,
		Token: token,
	})
	if err != nil {
		return fmt.Errorf("failed to create GitHub client: %w", err)
	}

	worker, cleanup, err := buildWorker(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()
	worker.Issues = gh
	worker.Resolver = gh

	ctx := cmd.Context()
	cloneURL := fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", token, owner, repo)

	fmt.Fprintf(cmd.OutOrStdout(), "Resolving %d issue(s) in %s/%s (concurrency %d)\n\n",
		len(issues), owner, repo, cfg.Concurrency)

	reports := make([]models.Report, len(issues))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for i, number := range issues {
		i, number := i, number
		g.Go(func() error {
			ref, err := gh.GetIssue(gctx, number)
			if err != nil {
				reports[i] = models.Report{
					Task:    models.Task{Issue: models.IssueRef{Number: number, Owner: owner, Repo: repo}},
					Outcome: models.OutcomeFailure,
					Error:   models.NewNetworkError("issue_fetch_failed", fmt.Sprintf("could not fetch issue #%d", number), err),
				}
				return nil
			}
			ref.URL = cloneURL

			task := models.Task{
				ID:         uuid.New().String(),
				Issue:      *ref,
				BranchName: fmt.Sprintf("autodev/issue-%d", number),
				BaseBranch: base,
			}
			reports[i] = worker.Resolve(gctx, task)
			return nil
		})
	}
	g.Wait()

	return printSummary(cmd, reports)
}

// buildWorker assembles a Worker from config: workspace manager, agent
// client (local CLI or hosted sessions), dead-letter store, and optional
// credential manager. The returned cleanup closes the dead-letter store.
func buildWorker(cfg *config.Config, log *logger.ConsoleLogger) (*executor.Worker, func(), error) {
	worker := executor.NewWorker(cfg, log)
	worker.Workspaces = workspace.NewManager(cfg.WorkspaceRoot)

	cleanup := func() {}
	if cfg.DeadLetter.Enabled {
		store, err := deadletter.NewStore(cfg.DeadLetter.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open dead-letter store: %w", err)
		}
		worker.DeadLetters = store
		cleanup = func() { store.Close() }
	} else {
		worker.DeadLetters = deadletter.Disabled{Logf: log.Warnf}
	}

	if cfg.Agent.BaseURL != "" {
		tokens, err := sessionCredentials()
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		worker.Agent = agent.NewRemoteClient(cfg.Agent.BaseURL, tokens)
		// Only wire the refresh state when a token endpoint exists;
		// otherwise the static token is used as-is.
		if os.Getenv("AUTODEV_TOKEN_URL") != "" {
			worker.Credentials = tokens
		}
	} else {
		worker.Agent = agent.NewLocalClient(cfg.Agent.BinaryPath)
	}

	hostname, _ := os.Hostname()
	worker.Meta = deadletter.WorkerMeta{
		WorkerID: uuid.New().String(),
		Hostname: hostname,
		Version:  Version,
	}

	return worker, cleanup, nil
}

// sessionCredentials builds the credential manager for remote sessions
// from the AUTODEV_ACCESS_TOKEN, AUTODEV_REFRESH_TOKEN and
// AUTODEV_TOKEN_URL environment variables.
func sessionCredentials() (*agent.CredentialManager, error) {
	access := os.Getenv("AUTODEV_ACCESS_TOKEN")
	if access == "" {
		return nil, fmt.Errorf("remote agent mode requires AUTODEV_ACCESS_TOKEN")
	}

	creds := agent.Credentials{
		AccessToken:  access,
		RefreshToken: os.Getenv("AUTODEV_REFRESH_TOKEN"),
	}

	var primary agent.Refresher
	if tokenURL := os.Getenv("AUTODEV_TOKEN_URL"); tokenURL != "" {
		primary = &agent.HTTPRefresher{
			TokenURL: tokenURL,
			ClientID: os.Getenv("AUTODEV_CLIENT_ID"),
		}
	}

	return agent.NewCredentialManager(creds, primary, nil, nil), nil
}

// parseIssueNumbers converts the positional args to issue numbers.
func parseIssueNumbers(args []string) ([]int, error) {
	issues := make([]int, 0, len(args))
	for _, arg := range args {
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid issue number %q", arg)
		}
		issues = append(issues, n)
	}
	return issues, nil
}

// printSummary writes the per-task results and returns a non-nil error
// when any task failed, so the process exits non-zero.
func printSummary(cmd *cobra.Command, reports []models.Report) error {
	out := cmd.OutOrStdout()

	var succeeded, already, failed int
	for _, r := range reports {
		switch r.Outcome {
		case models.OutcomeSuccess:
			succeeded++
		case models.OutcomeAlreadyImplemented:
			already++
		default:
			failed++
		}
	}

	fmt.Fprintf(out, "\nSummary:\n")
	fmt.Fprintf(out, "  Total issues: %d\n", len(reports))
	fmt.Fprintf(out, "  Resolved: %d\n", succeeded)
	fmt.Fprintf(out, "  Already implemented: %d\n", already)
	fmt.Fprintf(out, "  Failed: %d\n", failed)

	for _, r := range reports {
		if r.Outcome != models.OutcomeSuccess || r.PullRequest == nil {
			continue
		}
		status := "open"
		if r.Merged {
			status = "merged"
		}
		if r.IssueClosed {
			status += ", issue closed"
		}
		fmt.Fprintf(out, "  Issue #%d: %s (%s)\n", r.Task.Issue.Number, r.PullRequest.URL, status)
	}

	if failed > 0 {
		fmt.Fprintf(out, "\nFailed issues:\n")
		for _, r := range reports {
			if r.Outcome != models.OutcomeFailure {
				continue
			}
			fmt.Fprintf(out, "  - Issue #%d: %v\n", r.Task.Issue.Number, r.Error)
			if r.DeadLetter != "" {
				fmt.Fprintf(out, "    dead-letter entry: %s\n", r.DeadLetter)
			}
			if r.Error != nil && r.Error.Strategy.ManualInstructions != "" {
				fmt.Fprintf(out, "    action: %s\n", r.Error.Strategy.ManualInstructions)
			}
		}
		return fmt.Errorf("%d issue(s) failed", failed)
	}

	return nil
}
