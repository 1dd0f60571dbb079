package executor

import (
	"context"
	"time"

	"github.com/webedt/autodev/internal/github"
	"github.com/webedt/autodev/internal/models"
	"github.com/webedt/autodev/internal/vcs/git"
	"github.com/webedt/autodev/internal/workspace"
)

// VersionControl is the git surface the worker needs. One instance is
// bound to one workspace directory after clone.
type VersionControl interface {
	Clone(ctx context.Context, url, dest string, opts git.CloneOptions) error
	CreateBranch(ctx context.Context, name string) error
	CommitAll(ctx context.Context, message string) (string, error)
	Push(ctx context.Context, branch string) error
	Status(ctx context.Context) (clean bool, err error)
}

// IssueTracker handles the review pipeline: pull requests and issue
// closure.
type IssueTracker interface {
	CreatePullRequest(ctx context.Context, title, body, head, base string) (*models.PullRequestRef, error)
	CloseIssue(ctx context.Context, number int, comment string) error
}

// ConflictResolver attempts to auto-merge a pull request.
type ConflictResolver interface {
	AttemptMerge(ctx context.Context, branch string, prNumber int) github.MergeResult
}

// CredentialSource proactively keeps the agent's credentials fresh. An
// invalid refresh token surfaces as agent.ErrInvalidRefreshToken and is
// unrecoverable.
type CredentialSource interface {
	EnsureFresh(ctx context.Context) error
}

// WorkspaceAllocator provisions exclusive per-task workspaces.
type WorkspaceAllocator interface {
	Allocate(taskID string) (*workspace.Workspace, error)
}

// Logger is the logging surface used by the worker.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	LogTaskStart(task models.Task)
	LogStateStart(task models.Task, state string)
	LogRetry(task models.Task, state string, attempt int, delay time.Duration, err error)
	LogTaskComplete(report models.Report)
	LogDeadLetter(task models.Task, entryID string)
}
