package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/webedt/autodev/internal/agent"
	"github.com/webedt/autodev/internal/breaker"
	"github.com/webedt/autodev/internal/config"
	"github.com/webedt/autodev/internal/deadletter"
	"github.com/webedt/autodev/internal/issue"
	"github.com/webedt/autodev/internal/models"
	"github.com/webedt/autodev/internal/retry"
	"github.com/webedt/autodev/internal/vcs/git"
)

// Worker resolves one task at a time through the execution state machine.
// A single Worker may be shared across goroutines: it holds no per-task
// state, and the circuit breaker is designed for concurrent updates.
type Worker struct {
	Config      *config.Config
	Log         Logger
	Workspaces  WorkspaceAllocator
	NewVCS      func(workDir string) VersionControl
	Agent       agent.Client
	Issues      IssueTracker     // nil skips the PR/close pipeline
	Resolver    ConflictResolver // nil skips auto-merge
	Credentials CredentialSource // nil skips the refresh state
	Breaker     *breaker.Breaker
	DeadLetters deadletter.Queue
	Meta        deadletter.WorkerMeta

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWorker wires a Worker with the default git client and sleep.
func NewWorker(cfg *config.Config, log Logger) *Worker {
	return &Worker{
		Config: cfg,
		Log:    log,
		NewVCS: func(workDir string) VersionControl { return git.NewClient(workDir) },
		Breaker: breaker.New(breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Cooldown:         cfg.Breaker.Cooldown,
		}),
		DeadLetters: deadletter.Disabled{},
	}
}

// Resolve runs the task end to end and always returns a structured report;
// failures are carried as a typed error inside it, never raised. The
// workspace is removed on every exit path.
func (w *Worker) Resolve(ctx context.Context, task models.Task) models.Report {
	started := time.Now()
	report := models.Report{Task: task}
	defer func() {
		report.Duration = time.Since(started)
		w.Log.LogTaskComplete(report)
	}()

	w.Log.LogTaskStart(task)

	if err := task.Validate(); err != nil {
		return w.fail(ctx, &report, models.NewWorkspaceError("invalid_task", "task failed validation", err))
	}

	// 1. SetupWorkspace. Fatal on filesystem error, not retried.
	w.Log.LogStateStart(task, "setup_workspace")
	ws, err := w.Workspaces.Allocate(task.ID)
	if err != nil {
		return w.fail(ctx, &report, models.NewWorkspaceError("workspace_setup_failed", "could not allocate workspace", err))
	}
	defer func() {
		// 11. Cleanup runs on every exit path; Remove is idempotent.
		if err := ws.Remove(); err != nil {
			w.Log.Errorf("task %s: workspace cleanup failed: %v", task.ID, err)
		}
	}()
	task.WorkspaceDir = ws.Dir()
	report.Task = task

	vcs := w.NewVCS(ws.Dir())

	// 2. CloneRepository. Network-retried with a per-attempt timeout.
	w.Log.LogStateStart(task, "clone")
	if err := w.cloneWithRetry(ctx, &report, vcs, task); err != nil {
		cls := retry.Classify(err)
		te := models.NewGitError("clone_failed", fmt.Sprintf("failed to clone %s", task.Repository()), cls.Retryable, err)
		return w.fail(ctx, &report, te)
	}

	// 3. CreateBranch. Local, fatal on failure.
	w.Log.LogStateStart(task, "create_branch")
	if err := vcs.CreateBranch(ctx, task.BranchName); err != nil {
		return w.fail(ctx, &report, models.NewGitError("branch_failed", fmt.Sprintf("failed to create branch %s", task.BranchName), false, err))
	}

	// 4. RefreshCredentialsIfNeeded. Invalid refresh token aborts.
	if w.Credentials != nil {
		w.Log.LogStateStart(task, "refresh_credentials")
		if err := w.Credentials.EnsureFresh(ctx); err != nil {
			if errors.Is(err, agent.ErrInvalidRefreshToken) {
				te := models.NewAgentError("invalid_refresh_token", "agent credentials cannot be refreshed", false, err).
					WithStrategy(models.RecoveryStrategy{
						Kind:               models.StrategyEscalate,
						ManualInstructions: "re-authenticate with the agent backend and restart the task",
					})
				return w.fail(ctx, &report, te)
			}
			return w.fail(ctx, &report, models.NewAgentError("credential_refresh_failed", "credential refresh failed", retry.Classify(err).Retryable, err))
		}
	}

	// 5 + 6. ExecuteAgent and CheckForChanges.
	w.Log.LogStateStart(task, "execute_agent")
	outcome, te := w.runAgent(ctx, &report, vcs, task)
	if te != nil {
		return w.fail(ctx, &report, te)
	}
	if outcome == models.OutcomeAlreadyImplemented {
		report.Outcome = models.OutcomeAlreadyImplemented
		return report
	}

	// 7. CommitAndPush. Commit is local and fatal; push is retried.
	w.Log.LogStateStart(task, "commit_push")
	message := fmt.Sprintf("Fix #%d: %s", task.Issue.Number, task.Issue.Title)
	commitID, err := vcs.CommitAll(ctx, message)
	if err != nil {
		return w.fail(ctx, &report, models.NewGitError("commit_failed", "failed to commit changes", false, err))
	}
	report.CommitID = commitID

	if err := w.pushWithRetry(ctx, &report, vcs, task); err != nil {
		cls := retry.Classify(err)
		te := models.NewGitError("push_failed", fmt.Sprintf("failed to push branch %s", task.BranchName), cls.Retryable, err)
		return w.fail(ctx, &report, te)
	}

	report.Outcome = models.OutcomeSuccess

	// 8. CreatePullRequest. Non-fatal: the push already landed.
	if w.Issues != nil {
		w.Log.LogStateStart(task, "create_pull_request")
		title := fmt.Sprintf("Fix #%d: %s", task.Issue.Number, task.Issue.Title)
		body := fmt.Sprintf("Closes #%d.", task.Issue.Number)
		pr, err := w.Issues.CreatePullRequest(ctx, title, body, task.BranchName, baseBranch(task))
		if err != nil {
			w.Log.Warnf("task %s: pull request creation failed, continuing without PR: %v", task.ID, err)
			return report
		}
		report.PullRequest = pr

		// 9. AttemptAutoMerge. Non-fatal.
		if w.Resolver != nil {
			w.Log.LogStateStart(task, "auto_merge")
			merge := w.Resolver.AttemptMerge(ctx, task.BranchName, pr.Number)
			if merge.Err != nil {
				w.Log.Warnf("task %s: auto-merge of PR #%d did not complete after %d attempts: %v", task.ID, pr.Number, merge.Attempts, merge.Err)
			}
			report.Merged = merge.Merged
			report.MergeSHA = merge.SHA

			// 10. CloseIssue, only once the change is actually merged.
			if merge.Merged {
				w.Log.LogStateStart(task, "close_issue")
				comment := fmt.Sprintf("Resolved by #%d.", pr.Number)
				if err := w.Issues.CloseIssue(ctx, task.Issue.Number, comment); err != nil {
					w.Log.Warnf("task %s: failed to close issue #%d: %v", task.ID, task.Issue.Number, err)
				} else {
					report.IssueClosed = true
				}
			}
		}
	}

	return report
}

func baseBranch(task models.Task) string {
	if task.BaseBranch != "" {
		return task.BaseBranch
	}
	return "main"
}

func (w *Worker) cloneWithRetry(ctx context.Context, report *models.Report, vcs VersionControl, task models.Task) error {
	opts := git.CloneOptions{
		Shallow:     w.Config.Git.Shallow,
		SparsePaths: w.Config.Git.SparsePaths,
	}

	_, err := retry.Do(ctx, retry.NetworkConfig(), func(ctx context.Context) (struct{}, error) {
		// A timed-out or failed attempt can leave partial content behind,
		// and git refuses to clone into a non-empty directory.
		if err := emptyDir(task.WorkspaceDir); err != nil {
			return struct{}{}, err
		}
		attemptCtx, cancel := context.WithTimeout(ctx, w.Config.Git.CloneTimeout)
		defer cancel()
		return struct{}{}, vcs.Clone(attemptCtx, task.Issue.URL, task.WorkspaceDir, opts)
	}, w.retryOptions(func(err error, attempt int, delay time.Duration) {
		report.RetryCount++
		w.Log.LogRetry(task, "clone", attempt, delay, err)
	})...)
	return err
}

// emptyDir removes dir and recreates it empty.
func emptyDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to reset workspace dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to recreate workspace dir: %w", err)
	}
	return nil
}

// retryOptions threads the worker's sleep into the retry engine so tests
// can collapse backoff delays.
func (w *Worker) retryOptions(onRetry func(err error, attempt int, delay time.Duration)) []retry.Option {
	opts := []retry.Option{retry.WithOnRetry(onRetry)}
	if w.sleep != nil {
		opts = append(opts, retry.WithSleep(w.sleep))
	}
	return opts
}

func (w *Worker) pushWithRetry(ctx context.Context, report *models.Report, vcs VersionControl, task models.Task) error {
	_, err := retry.Do(ctx, retry.NetworkConfig(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, vcs.Push(ctx, task.BranchName)
	}, w.retryOptions(func(err error, attempt int, delay time.Duration) {
		report.RetryCount++
		w.Log.LogRetry(task, "push", attempt, delay, err)
	})...)
	return err
}

// runAgent drives the agent attempts with fixed backoff delays and a hard
// per-attempt timeout, then judges the outcome from the workspace status
// and the attempt's observed effort. Returns the terminal outcome for the
// happy paths, or a typed error for failure.
func (w *Worker) runAgent(ctx context.Context, report *models.Report, vcs VersionControl, task models.Task) (models.Outcome, *models.TaskError) {
	prompt, err := issue.NewPromptBuilder().Build(task.Issue)
	if err != nil {
		return "", models.NewAgentError("prompt_failed", "failed to build agent prompt", false, err)
	}

	req := agent.Request{
		Prompt:       prompt,
		WorkDir:      task.WorkspaceDir,
		AllowedTools: w.Config.Agent.AllowedTools,
		MaxTurns:     w.Config.Agent.MaxTurns,
	}

	maxAttempts := w.Config.Agent.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr *models.TaskError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			report.RetryCount++
			delay := attemptDelay(w.Config.Agent.AttemptDelays, attempt-2)
			w.Log.LogRetry(task, "execute_agent", attempt, delay, lastErr)
			if err := w.sleepFor(ctx, delay); err != nil {
				return "", models.NewTimeoutError("agent_cancelled", "task cancelled between agent attempts", err)
			}
		}

		tracker := NewTracker()
		attemptStart := time.Now()

		if err := w.Breaker.Allow(); err != nil {
			// Open circuit: fail fast, no attempt burned.
			instructions := "agent backend is failing; retry later or replay from the dead-letter queue"
			var openErr *breaker.OpenError
			if errors.As(err, &openErr) {
				instructions = fmt.Sprintf("agent backend is failing; retry after %s or replay from the dead-letter queue", openErr.RetryIn)
			}
			return "", models.NewAgentError("circuit_open", "agent backend unavailable", true, err).
				WithStrategy(models.RecoveryStrategy{
					Kind:               models.StrategyEscalate,
					ManualInstructions: instructions,
				})
		}

		attemptCtx, cancel := context.WithTimeout(ctx, w.Config.Agent.AttemptTimeout)
		result, execErr := w.Agent.Execute(attemptCtx, req, tracker.Observe)
		cancel()

		record := models.ExecutionAttempt{
			Attempt:      attempt,
			StartedAt:    attemptStart,
			Duration:     time.Since(attemptStart),
			ToolUseCount: tracker.ToolUseCount(),
			TurnCount:    tracker.TurnCount(),
		}

		if execErr != nil {
			w.Breaker.RecordFailure(execErr)
			record.Error = execErr.Error()
			report.Attempts = append(report.Attempts, record)

			if errors.Is(execErr, context.DeadlineExceeded) && ctx.Err() == nil {
				lastErr = models.NewTimeoutError("agent_timeout",
					fmt.Sprintf("agent attempt %d exceeded %s", attempt, w.Config.Agent.AttemptTimeout), execErr).
					WithContext(tracker.Context("execute_agent"))
			} else if ctx.Err() != nil {
				return "", models.NewTimeoutError("agent_cancelled", "task cancelled during agent run", execErr).
					WithContext(tracker.Context("execute_agent"))
			} else {
				cls := retry.Classify(execErr)
				lastErr = models.NewAgentError("agent_failed",
					fmt.Sprintf("agent attempt %d failed", attempt), cls.Retryable, execErr).
					WithContext(tracker.Context("execute_agent"))
			}
			if !lastErr.Retryable {
				return "", lastErr
			}
			continue
		}
		w.Breaker.RecordSuccess()
		report.Attempts = append(report.Attempts, record)

		// 6. CheckForChanges: disk state is ground truth.
		clean, statusErr := vcs.Status(ctx)
		if statusErr != nil {
			return "", models.NewGitError("status_failed", "failed to inspect workspace status", false, statusErr)
		}
		hasChanges := !clean

		verdict := ValidateResponse(w.Config.Validator, tracker.ToolUseCount(), result.Turns, hasChanges, result.Duration)
		for _, finding := range verdict.Issues {
			w.Log.Debugf("task %s: attempt %d validation: %s", task.ID, attempt, finding)
		}

		if hasChanges && verdict.Valid {
			return models.OutcomeSuccess, nil
		}
		if !hasChanges && verdict.AlreadyImplemented {
			w.Log.Infof("task %s: no changes needed, issue appears already implemented", task.ID)
			return models.OutcomeAlreadyImplemented, nil
		}

		lastErr = models.NewAgentError("no_changes",
			fmt.Sprintf("agent attempt %d produced no acceptable result: %v", attempt, verdict.Issues), true, nil).
			WithContext(tracker.Context("validate_response"))
	}

	return "", lastErr
}

// attemptDelay returns the fixed backoff before retrying an agent attempt.
// The schedule is deliberately not exponential: agent runs are expensive
// and the list is short and explicit.
func attemptDelay(delays []time.Duration, idx int) time.Duration {
	if len(delays) == 0 {
		return 2 * time.Second
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return delays[idx]
}

func (w *Worker) sleepFor(ctx context.Context, d time.Duration) error {
	if w.sleep != nil {
		return w.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// fail finalizes a report with a typed error, dead-lettering exhausted
// retryable failures. Non-retryable failures are not dead-lettered since
// replaying them cannot help.
func (w *Worker) fail(ctx context.Context, report *models.Report, te *models.TaskError) models.Report {
	report.Outcome = models.OutcomeFailure
	report.Error = te

	if te.Retryable && w.DeadLetters != nil {
		// A fast-failed task (open circuit before the first attempt)
		// never burned a retry; the entry must not claim exhaustion.
		entry := deadletter.Entry{
			TaskID:            report.Task.ID,
			Category:          te.Kind.String(),
			Repository:        report.Task.Repository(),
			Attempts:          report.Attempts,
			FinalError:        te,
			Worker:            w.Meta,
			MaxRetriesReached: report.RetryCount > 0 || len(report.Attempts) > 0,
		}
		id, err := w.DeadLetters.Enqueue(ctx, entry)
		if err != nil {
			w.Log.Errorf("task %s: dead-letter enqueue failed: %v", report.Task.ID, err)
		} else if id != "" {
			report.DeadLetter = id
			w.Log.LogDeadLetter(report.Task, id)
		}
	}

	return *report
}
