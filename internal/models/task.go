package models

import (
	"errors"
	"time"
)

// IssueRef identifies the tracked issue a task resolves.
type IssueRef struct {
	Number int    // Issue number in the tracker
	Title  string // Issue title
	Body   string // Issue body (markdown)
	Owner  string // Repository owner
	Repo   string // Repository name
	URL    string // Clone URL for the repository
}

// Task is one unit of work: resolve a single tracked issue end to end.
// A task is owned exclusively by one worker invocation; its workspace
// directory is always removed on completion or failure.
type Task struct {
	ID           string   // Unique task identifier
	Issue        IssueRef // The issue being resolved
	BranchName   string   // Branch the change is developed on
	BaseBranch   string   // Branch the pull request merges into
	WorkspaceDir string   // Assigned workspace directory (set during setup)
}

// Validate checks if the task has all required fields.
func (t *Task) Validate() error {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	if t.Issue.Number <= 0 {
		return errors.New("issue number is required")
	}
	if t.Issue.URL == "" {
		return errors.New("repository clone URL is required")
	}
	if t.BranchName == "" {
		return errors.New("branch name is required")
	}
	return nil
}

// Repository returns the owner/name identifier for the task's repository.
func (t *Task) Repository() string {
	if t.Issue.Owner == "" && t.Issue.Repo == "" {
		return t.Issue.URL
	}
	return t.Issue.Owner + "/" + t.Issue.Repo
}

// ExecutionAttempt records one attempt at a retried state. The attempt
// history lives in memory for the duration of a task and is persisted only
// when the task is dead-lettered.
type ExecutionAttempt struct {
	Attempt      int           `json:"attempt"` // 1-indexed
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	ToolUseCount int           `json:"tool_use_count"`
	TurnCount    int           `json:"turn_count"`
	Error        string        `json:"error,omitempty"` // Empty on success
}

// Outcome is the terminal result category of a task.
type Outcome string

const (
	// OutcomeSuccess means a change was pushed; the pull request or merge
	// may still be missing (partial success).
	OutcomeSuccess Outcome = "success"
	// OutcomeAlreadyImplemented means the agent investigated and found the
	// requested change already present; no PR is created.
	OutcomeAlreadyImplemented Outcome = "already_implemented"
	// OutcomeFailure means the task failed with a typed error attached.
	OutcomeFailure Outcome = "failure"
)

// PullRequestRef identifies a created pull request.
type PullRequestRef struct {
	Number int
	URL    string
}

// Report is the structured result handed back to the caller. The caller
// never receives a raw error: failures are carried as a typed TaskError.
type Report struct {
	Task        Task
	Outcome     Outcome
	PullRequest *PullRequestRef // nil when no PR was created
	Merged      bool
	MergeSHA    string
	IssueClosed bool
	CommitID    string
	RetryCount  int                // Retries consumed across retried states
	Attempts    []ExecutionAttempt // Agent attempt history
	Error       *TaskError         // Set only for OutcomeFailure
	DeadLetter  string             // Dead-letter entry ID, if one was recorded
	Duration    time.Duration
}

// Succeeded reports whether the task ended in a non-failure outcome.
func (r *Report) Succeeded() bool {
	return r.Outcome == OutcomeSuccess || r.Outcome == OutcomeAlreadyImplemented
}
