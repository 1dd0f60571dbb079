package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind is the closed set of failure categories used inside the engine.
// Every error that crosses a component boundary is one of these kinds; raw
// library errors are classified at the boundary and never propagated.
type ErrorKind int

const (
	// ErrorKindNetwork covers transport failures (DNS, resets, refusals).
	ErrorKindNetwork ErrorKind = iota
	// ErrorKindTimeout covers deadline and cancellation failures.
	ErrorKindTimeout
	// ErrorKindGit covers clone/branch/commit/push failures.
	ErrorKindGit
	// ErrorKindAgent covers agent backend and agent run failures.
	ErrorKindAgent
	// ErrorKindWorkspace covers filesystem and workspace failures.
	ErrorKindWorkspace
)

// String returns the string representation of ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorKindNetwork:
		return "network"
	case ErrorKindTimeout:
		return "timeout"
	case ErrorKindGit:
		return "git"
	case ErrorKindAgent:
		return "agent"
	case ErrorKindWorkspace:
		return "workspace"
	default:
		return "unknown"
	}
}

// StrategyKind selects how a failure should be recovered from.
type StrategyKind string

const (
	// StrategyRetry means the operation may be retried up to MaxRetries.
	StrategyRetry StrategyKind = "retry"
	// StrategyEscalate means the failure needs manual intervention.
	StrategyEscalate StrategyKind = "escalate"
)

// RecoveryStrategy describes how a typed error should be handled.
type RecoveryStrategy struct {
	Kind               StrategyKind
	MaxRetries         int
	ManualInstructions string // Set for escalation strategies
}

// ToolCall is one recorded tool invocation, with large input fields
// truncated by the tracker before it lands here.
type ToolCall struct {
	Name  string            `json:"name"`
	Input map[string]string `json:"input,omitempty"`
}

// ExecutionContext is an immutable snapshot of what the agent was doing
// when a failure occurred. Attached to typed errors for later diagnosis.
type ExecutionContext struct {
	Phase         string        `json:"phase"`
	CurrentTool   string        `json:"current_tool,omitempty"`
	RecentCalls   []ToolCall    `json:"recent_calls,omitempty"`
	FilesCreated  []string      `json:"files_created,omitempty"`
	FilesModified []string      `json:"files_modified,omitempty"`
	FilesDeleted  []string      `json:"files_deleted,omitempty"`
	Elapsed       time.Duration `json:"elapsed"`
}

// TaskError is the typed error carried across component boundaries. It
// includes the failure category, retryability, a recovery strategy, and an
// optional execution-context snapshot.
type TaskError struct {
	Kind      ErrorKind
	Code      string // Machine-readable code, e.g. "clone_failed"
	Message   string // Human-readable error message
	Retryable bool
	Strategy  RecoveryStrategy
	Context   *ExecutionContext // Optional tracker snapshot
	Err       error             // Underlying error (optional)
	Timestamp time.Time
}

// Error implements the error interface for TaskError.
func (e *TaskError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s error [%s]: %s", e.Kind, e.Code, e.Message))
	if e.Err != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Err))
	}
	return sb.String()
}

// Unwrap returns the underlying error for error wrapping support.
func (e *TaskError) Unwrap() error {
	return e.Err
}

func newTaskError(kind ErrorKind, code, msg string, retryable bool, err error) *TaskError {
	strategy := RecoveryStrategy{Kind: StrategyRetry, MaxRetries: 3}
	if !retryable {
		strategy = RecoveryStrategy{
			Kind:               StrategyEscalate,
			ManualInstructions: "inspect the task report and underlying error; this failure will not resolve on retry",
		}
	}
	return &TaskError{
		Kind:      kind,
		Code:      code,
		Message:   msg,
		Retryable: retryable,
		Strategy:  strategy,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// NewNetworkError creates a retryable network-kind TaskError.
func NewNetworkError(code, msg string, err error) *TaskError {
	return newTaskError(ErrorKindNetwork, code, msg, true, err)
}

// NewTimeoutError creates a retryable timeout-kind TaskError.
func NewTimeoutError(code, msg string, err error) *TaskError {
	return newTaskError(ErrorKindTimeout, code, msg, true, err)
}

// NewGitError creates a git-kind TaskError. Retryability depends on the
// operation: push and clone failures retry, local failures do not.
func NewGitError(code, msg string, retryable bool, err error) *TaskError {
	return newTaskError(ErrorKindGit, code, msg, retryable, err)
}

// NewAgentError creates an agent-kind TaskError.
func NewAgentError(code, msg string, retryable bool, err error) *TaskError {
	return newTaskError(ErrorKindAgent, code, msg, retryable, err)
}

// NewWorkspaceError creates a non-retryable workspace-kind TaskError.
// Filesystem failures are treated as fatal for the task.
func NewWorkspaceError(code, msg string, err error) *TaskError {
	return newTaskError(ErrorKindWorkspace, code, msg, false, err)
}

// WithContext attaches an execution-context snapshot and returns the error
// for chaining.
func (e *TaskError) WithContext(ctx *ExecutionContext) *TaskError {
	e.Context = ctx
	return e
}

// WithStrategy overrides the default recovery strategy.
func (e *TaskError) WithStrategy(s RecoveryStrategy) *TaskError {
	e.Strategy = s
	return e
}

// AsTaskError returns the TaskError in err's chain, if any.
func AsTaskError(err error) (*TaskError, bool) {
	var te *TaskError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// IsRetryable reports whether err is a TaskError flagged retryable.
// Untyped errors report false; callers classify those separately.
func IsRetryable(err error) bool {
	if te, ok := AsTaskError(err); ok {
		return te.Retryable
	}
	return false
}
