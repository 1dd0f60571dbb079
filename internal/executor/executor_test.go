package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/webedt/autodev/internal/agent"
	"github.com/webedt/autodev/internal/breaker"
	"github.com/webedt/autodev/internal/config"
	"github.com/webedt/autodev/internal/deadletter"
	"github.com/webedt/autodev/internal/github"
	"github.com/webedt/autodev/internal/logger"
	"github.com/webedt/autodev/internal/models"
	"github.com/webedt/autodev/internal/vcs/git"
	"github.com/webedt/autodev/internal/workspace"
)

// fakeVCS scripts git behaviour per call.
type fakeVCS struct {
	cloneErrs  []error // consumed one per Clone call; nil entries succeed
	cloneCalls int
	litter     bool // failing clones leave partial content in dest
	branchErr  error
	commitID   string
	commitErr  error
	pushErrs   []error
	pushCalls  int
	clean      bool
	statusErr  error
}

// Clone refuses a non-empty destination the way git does, so tests catch
// retries that reuse a dirtied workspace.
func (f *fakeVCS) Clone(ctx context.Context, url, dest string, opts git.CloneOptions) error {
	f.cloneCalls++
	if entries, err := os.ReadDir(dest); err == nil && len(entries) > 0 {
		return fmt.Errorf("fatal: destination path %q already exists and is not an empty directory", dest)
	}
	if len(f.cloneErrs) > 0 {
		err := f.cloneErrs[0]
		f.cloneErrs = f.cloneErrs[1:]
		if err != nil && f.litter {
			os.WriteFile(filepath.Join(dest, "objects.pack"), []byte("partial"), 0644)
		}
		return err
	}
	return nil
}

func (f *fakeVCS) CreateBranch(ctx context.Context, name string) error { return f.branchErr }

func (f *fakeVCS) CommitAll(ctx context.Context, message string) (string, error) {
	if f.commitErr != nil {
		return "", f.commitErr
	}
	if f.commitID == "" {
		return "abc123", nil
	}
	return f.commitID, nil
}

func (f *fakeVCS) Push(ctx context.Context, branch string) error {
	f.pushCalls++
	if len(f.pushErrs) > 0 {
		err := f.pushErrs[0]
		f.pushErrs = f.pushErrs[1:]
		return err
	}
	return nil
}

func (f *fakeVCS) Status(ctx context.Context) (bool, error) { return f.clean, f.statusErr }

// fakeAgent runs one scripted function per attempt.
type fakeAgent struct {
	runs  []func(onEvent func(agent.Event)) (*agent.Result, error)
	calls int
}

func (f *fakeAgent) Execute(ctx context.Context, req agent.Request, onEvent func(agent.Event)) (*agent.Result, error) {
	idx := f.calls
	f.calls++
	if idx >= len(f.runs) {
		idx = len(f.runs) - 1
	}
	return f.runs[idx](onEvent)
}

// editingRun emits a productive attempt: a couple of tool calls including
// an edit, finishing well above the stall thresholds.
func editingRun(onEvent func(agent.Event)) (*agent.Result, error) {
	onEvent(agent.Event{Kind: agent.EventTurnStarted})
	onEvent(agent.Event{Kind: agent.EventToolUse, Tool: "Read", Input: map[string]any{"file_path": "main.go"}})
	onEvent(agent.Event{Kind: agent.EventTurnStarted})
	onEvent(agent.Event{Kind: agent.EventToolUse, Tool: "Edit", Input: map[string]any{"file_path": "main.go"}})
	return &agent.Result{Text: "done", Turns: 4, Duration: 20 * time.Second}, nil
}

// investigatingRun emits 5 read-only tool calls and no edits.
func investigatingRun(onEvent func(agent.Event)) (*agent.Result, error) {
	for i := 0; i < 5; i++ {
		onEvent(agent.Event{Kind: agent.EventTurnStarted})
		onEvent(agent.Event{Kind: agent.EventToolUse, Tool: "Grep", Input: map[string]any{"pattern": "handler"}})
	}
	return &agent.Result{Text: "already handled", Turns: 5, Duration: 30 * time.Second}, nil
}

type fakeIssues struct {
	pr        *models.PullRequestRef
	prErr     error
	prCalls   int
	closed    []int
	closeErr  error
	lastTitle string
}

func (f *fakeIssues) CreatePullRequest(ctx context.Context, title, body, head, base string) (*models.PullRequestRef, error) {
	f.prCalls++
	f.lastTitle = title
	if f.prErr != nil {
		return nil, f.prErr
	}
	return f.pr, nil
}

func (f *fakeIssues) CloseIssue(ctx context.Context, number int, comment string) error {
	if f.closeErr != nil {
		return f.closeErr
	}
	f.closed = append(f.closed, number)
	return nil
}

type fakeResolver struct{ result github.MergeResult }

func (f *fakeResolver) AttemptMerge(ctx context.Context, branch string, prNumber int) github.MergeResult {
	return f.result
}

type memQueue struct{ entries []deadletter.Entry }

func (q *memQueue) Enqueue(ctx context.Context, e deadletter.Entry) (string, error) {
	q.entries = append(q.entries, e)
	return fmt.Sprintf("dl-%d", len(q.entries)), nil
}

func testTask() models.Task {
	return models.Task{
		ID: "task-1",
		Issue: models.IssueRef{
			Number: 42,
			Title:  "Fix crash on empty input",
			Body:   "The handler panics when the payload is empty.",
			Owner:  "acme",
			Repo:   "widgets",
			URL:    "https://github.com/acme/widgets.git",
		},
		BranchName: "fix/issue-42",
		BaseBranch: "main",
	}
}

func newTestWorker(t *testing.T, vcs *fakeVCS, ag *fakeAgent) (*Worker, *memQueue, string) {
	t.Helper()
	root := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.WorkspaceRoot = root

	queue := &memQueue{}
	w := &Worker{
		Config:      cfg,
		Log:         logger.NewConsoleLogger(&bytes.Buffer{}, "error"),
		Workspaces:  workspace.NewManager(root),
		NewVCS:      func(string) VersionControl { return vcs },
		Agent:       ag,
		Breaker:     breaker.New(breaker.DefaultConfig()),
		DeadLetters: queue,
		Meta:        deadletter.WorkerMeta{WorkerID: "w-1", Hostname: "test", Version: "dev"},
		sleep:       func(ctx context.Context, d time.Duration) error { return ctx.Err() },
	}
	return w, queue, root
}

func assertWorkspaceRemoved(t *testing.T, root string) {
	t.Helper()
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("workspace root not cleaned up: %d entries remain", len(entries))
	}
}

func TestResolveAlreadyImplemented(t *testing.T) {
	vcs := &fakeVCS{clean: true}
	ag := &fakeAgent{runs: []func(func(agent.Event)) (*agent.Result, error){investigatingRun}}
	w, queue, root := newTestWorker(t, vcs, ag)
	issues := &fakeIssues{pr: &models.PullRequestRef{Number: 7}}
	w.Issues = issues

	report := w.Resolve(context.Background(), testTask())

	if report.Outcome != models.OutcomeAlreadyImplemented {
		t.Fatalf("Outcome = %s, want already_implemented (error: %v)", report.Outcome, report.Error)
	}
	if report.PullRequest != nil || issues.prCalls != 0 {
		t.Error("pull request created for an already-implemented task")
	}
	if len(queue.entries) != 0 {
		t.Error("already-implemented task was dead-lettered")
	}
	if !report.Succeeded() {
		t.Error("already_implemented should count as success")
	}
	assertWorkspaceRemoved(t, root)
}

func TestResolveCloneFlakeThenSuccess(t *testing.T) {
	vcs := &fakeVCS{
		cloneErrs: []error{
			fmt.Errorf("clone: %w", syscall.ECONNRESET),
			fmt.Errorf("clone: %w", syscall.ECONNRESET),
			nil,
		},
	}
	ag := &fakeAgent{runs: []func(func(agent.Event)) (*agent.Result, error){editingRun}}
	w, queue, root := newTestWorker(t, vcs, ag)

	report := w.Resolve(context.Background(), testTask())

	if report.Outcome != models.OutcomeSuccess {
		t.Fatalf("Outcome = %s, want success (error: %v)", report.Outcome, report.Error)
	}
	if vcs.cloneCalls != 3 {
		t.Errorf("cloneCalls = %d, want 3", vcs.cloneCalls)
	}
	if report.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", report.RetryCount)
	}
	if report.CommitID == "" {
		t.Error("CommitID not recorded")
	}
	if len(queue.entries) != 0 {
		t.Error("successful task was dead-lettered")
	}
	assertWorkspaceRemoved(t, root)
}

func TestResolveCloneRetryAfterPartialClone(t *testing.T) {
	// An interrupted clone (timeout kills git mid-write) leaves partial
	// content in the workspace; the retry must start from an empty dir.
	vcs := &fakeVCS{
		litter: true,
		cloneErrs: []error{
			fmt.Errorf("clone: %w", syscall.ECONNRESET),
			nil,
		},
	}
	ag := &fakeAgent{runs: []func(func(agent.Event)) (*agent.Result, error){editingRun}}
	w, queue, root := newTestWorker(t, vcs, ag)

	report := w.Resolve(context.Background(), testTask())

	if report.Outcome != models.OutcomeSuccess {
		t.Fatalf("Outcome = %s, want success (error: %v)", report.Outcome, report.Error)
	}
	if vcs.cloneCalls != 2 {
		t.Errorf("cloneCalls = %d, want 2", vcs.cloneCalls)
	}
	if report.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", report.RetryCount)
	}
	if len(queue.entries) != 0 {
		t.Error("recovered task was dead-lettered")
	}
	assertWorkspaceRemoved(t, root)
}

func TestResolveAgentTimeoutAllAttempts(t *testing.T) {
	vcs := &fakeVCS{clean: true}
	timeoutRun := func(onEvent func(agent.Event)) (*agent.Result, error) {
		onEvent(agent.Event{Kind: agent.EventTurnStarted})
		onEvent(agent.Event{Kind: agent.EventToolUse, Tool: "Read", Input: map[string]any{"file_path": "main.go"}})
		return nil, context.DeadlineExceeded
	}
	ag := &fakeAgent{runs: []func(func(agent.Event)) (*agent.Result, error){timeoutRun}}
	w, queue, root := newTestWorker(t, vcs, ag)

	report := w.Resolve(context.Background(), testTask())

	if report.Outcome != models.OutcomeFailure {
		t.Fatalf("Outcome = %s, want failure", report.Outcome)
	}
	if report.Error == nil || report.Error.Kind != models.ErrorKindTimeout {
		t.Fatalf("Error = %v, want timeout kind", report.Error)
	}
	if ag.calls != 3 {
		t.Errorf("agent attempts = %d, want 3", ag.calls)
	}
	if len(report.Attempts) != 3 {
		t.Errorf("attempt records = %d, want 3", len(report.Attempts))
	}
	if report.DeadLetter == "" || len(queue.entries) != 1 {
		t.Fatalf("expected one dead-letter entry, got %d (id %q)", len(queue.entries), report.DeadLetter)
	}
	if got := len(queue.entries[0].Attempts); got != 3 {
		t.Errorf("dead-letter attempts = %d, want 3", got)
	}
	if !queue.entries[0].MaxRetriesReached {
		t.Error("exhausted task should be marked MaxRetriesReached")
	}
	if report.Error.Context == nil {
		t.Error("timeout error missing execution context snapshot")
	}
	assertWorkspaceRemoved(t, root)
}

func TestResolvePullRequestFailureIsPartialSuccess(t *testing.T) {
	vcs := &fakeVCS{}
	ag := &fakeAgent{runs: []func(func(agent.Event)) (*agent.Result, error){editingRun}}
	w, queue, root := newTestWorker(t, vcs, ag)
	w.Issues = &fakeIssues{prErr: fmt.Errorf("boom: 500 from api")}

	report := w.Resolve(context.Background(), testTask())

	if report.Outcome != models.OutcomeSuccess {
		t.Fatalf("Outcome = %s, want success despite PR failure (error: %v)", report.Outcome, report.Error)
	}
	if report.PullRequest != nil {
		t.Error("PullRequest should be nil when creation failed")
	}
	if report.CommitID == "" {
		t.Error("commit should have landed before the PR failure")
	}
	if len(queue.entries) != 0 {
		t.Error("partial success must not dead-letter")
	}
	assertWorkspaceRemoved(t, root)
}

func TestResolveFullPipeline(t *testing.T) {
	vcs := &fakeVCS{}
	ag := &fakeAgent{runs: []func(func(agent.Event)) (*agent.Result, error){editingRun}}
	w, _, root := newTestWorker(t, vcs, ag)
	issues := &fakeIssues{pr: &models.PullRequestRef{Number: 7, URL: "https://github.com/acme/widgets/pull/7"}}
	w.Issues = issues
	w.Resolver = &fakeResolver{result: github.MergeResult{Merged: true, SHA: "cafe", Attempts: 1}}

	report := w.Resolve(context.Background(), testTask())

	if report.Outcome != models.OutcomeSuccess {
		t.Fatalf("Outcome = %s (error: %v)", report.Outcome, report.Error)
	}
	if report.PullRequest == nil || report.PullRequest.Number != 7 {
		t.Errorf("PullRequest = %+v", report.PullRequest)
	}
	if !report.Merged || report.MergeSHA != "cafe" {
		t.Errorf("Merged = %v SHA = %q", report.Merged, report.MergeSHA)
	}
	if !report.IssueClosed || len(issues.closed) != 1 || issues.closed[0] != 42 {
		t.Errorf("issue closure = %v closed=%v", report.IssueClosed, issues.closed)
	}
	if issues.lastTitle != "Fix #42: Fix crash on empty input" {
		t.Errorf("PR title = %q", issues.lastTitle)
	}
	assertWorkspaceRemoved(t, root)
}

func TestResolveMergeFailureNonFatal(t *testing.T) {
	vcs := &fakeVCS{}
	ag := &fakeAgent{runs: []func(func(agent.Event)) (*agent.Result, error){editingRun}}
	w, _, _ := newTestWorker(t, vcs, ag)
	issues := &fakeIssues{pr: &models.PullRequestRef{Number: 7}}
	w.Issues = issues
	w.Resolver = &fakeResolver{result: github.MergeResult{Merged: false, Attempts: 3, Err: fmt.Errorf("not mergeable")}}

	report := w.Resolve(context.Background(), testTask())

	if report.Outcome != models.OutcomeSuccess {
		t.Fatalf("Outcome = %s", report.Outcome)
	}
	if report.Merged || report.IssueClosed {
		t.Error("unmerged PR must not close the issue")
	}
	if report.PullRequest == nil {
		t.Error("PR reference should be kept when merge fails")
	}
}

func TestResolveCircuitOpenFailsFast(t *testing.T) {
	vcs := &fakeVCS{}
	ag := &fakeAgent{runs: []func(func(agent.Event)) (*agent.Result, error){editingRun}}
	w, queue, _ := newTestWorker(t, vcs, ag)
	w.Breaker = breaker.New(breaker.Config{FailureThreshold: 1, Cooldown: time.Hour})
	w.Breaker.RecordFailure(fmt.Errorf("backend down"))

	report := w.Resolve(context.Background(), testTask())

	if report.Outcome != models.OutcomeFailure {
		t.Fatalf("Outcome = %s, want failure", report.Outcome)
	}
	if ag.calls != 0 {
		t.Errorf("agent called %d times through an open circuit", ag.calls)
	}
	if report.Error.Code != "circuit_open" {
		t.Errorf("Error.Code = %q", report.Error.Code)
	}
	if report.Error.Strategy.Kind != models.StrategyEscalate {
		t.Errorf("Strategy = %+v", report.Error.Strategy)
	}
	if len(queue.entries) != 1 {
		t.Fatalf("open-circuit failure should dead-letter for replay, got %d entries", len(queue.entries))
	}
	if queue.entries[0].MaxRetriesReached {
		t.Error("fast-failed task must not claim retry exhaustion")
	}
	if len(queue.entries[0].Attempts) != 0 {
		t.Errorf("fast-failed task recorded %d attempts", len(queue.entries[0].Attempts))
	}
}

func TestResolveInvalidRefreshTokenAborts(t *testing.T) {
	vcs := &fakeVCS{}
	ag := &fakeAgent{runs: []func(func(agent.Event)) (*agent.Result, error){editingRun}}
	w, queue, _ := newTestWorker(t, vcs, ag)
	w.Credentials = credentialFunc(func(ctx context.Context) error {
		return fmt.Errorf("refresh: %w", agent.ErrInvalidRefreshToken)
	})

	report := w.Resolve(context.Background(), testTask())

	if report.Outcome != models.OutcomeFailure {
		t.Fatalf("Outcome = %s", report.Outcome)
	}
	if report.Error.Code != "invalid_refresh_token" || report.Error.Retryable {
		t.Errorf("Error = %+v, want non-retryable invalid_refresh_token", report.Error)
	}
	if ag.calls != 0 {
		t.Error("agent ran despite unrecoverable credentials")
	}
	if len(queue.entries) != 0 {
		t.Error("non-retryable failure must not dead-letter")
	}
}

type credentialFunc func(ctx context.Context) error

func (f credentialFunc) EnsureFresh(ctx context.Context) error { return f(ctx) }

func TestResolveNoChangesNotImplementedFails(t *testing.T) {
	vcs := &fakeVCS{clean: true}
	lazyRun := func(onEvent func(agent.Event)) (*agent.Result, error) {
		// Zero tool calls, long enough not to trip stall detection alone.
		return &agent.Result{Text: "nothing to do", Turns: 3, Duration: 10 * time.Second}, nil
	}
	ag := &fakeAgent{runs: []func(func(agent.Event)) (*agent.Result, error){lazyRun}}
	w, queue, _ := newTestWorker(t, vcs, ag)

	report := w.Resolve(context.Background(), testTask())

	if report.Outcome != models.OutcomeFailure {
		t.Fatalf("Outcome = %s, want failure for zero-effort run", report.Outcome)
	}
	if report.Error.Code != "no_changes" {
		t.Errorf("Error.Code = %q", report.Error.Code)
	}
	if ag.calls != 3 {
		t.Errorf("agent attempts = %d, want all 3 before giving up", ag.calls)
	}
	if len(queue.entries) != 1 {
		t.Errorf("exhausted retryable failure should dead-letter, got %d", len(queue.entries))
	}
}

func TestResolveBranchFailureFatal(t *testing.T) {
	vcs := &fakeVCS{branchErr: fmt.Errorf("branch exists")}
	ag := &fakeAgent{runs: []func(func(agent.Event)) (*agent.Result, error){editingRun}}
	w, queue, root := newTestWorker(t, vcs, ag)

	report := w.Resolve(context.Background(), testTask())

	if report.Outcome != models.OutcomeFailure || report.Error.Code != "branch_failed" {
		t.Fatalf("report = %+v", report.Error)
	}
	if report.Error.Retryable {
		t.Error("local branch failure must not be retryable")
	}
	if len(queue.entries) != 0 {
		t.Error("non-retryable failure dead-lettered")
	}
	assertWorkspaceRemoved(t, root)
}

func TestResolveInvalidTask(t *testing.T) {
	w, _, _ := newTestWorker(t, &fakeVCS{}, &fakeAgent{runs: []func(func(agent.Event)) (*agent.Result, error){editingRun}})

	report := w.Resolve(context.Background(), models.Task{ID: "t"})

	if report.Outcome != models.OutcomeFailure || report.Error.Code != "invalid_task" {
		t.Fatalf("report error = %+v", report.Error)
	}
}
