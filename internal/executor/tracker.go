// Package executor drives one task end to end: workspace, clone, branch,
// agent run, validation, commit, push, pull request, merge, issue closure,
// and cleanup. Retries happen strictly inside individual states.
package executor

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/webedt/autodev/internal/agent"
	"github.com/webedt/autodev/internal/models"
)

const (
	// maxRecentCalls bounds the tool-call window kept for error context.
	maxRecentCalls = 10

	// maxInputLen truncates large tool-input fields (file bodies, diffs)
	// before they land in an error snapshot.
	maxInputLen = 256
)

// writeTools are the tools that can change the workspace. Everything else
// is treated as read-only investigation.
var writeTools = map[string]bool{
	"Write":        true,
	"Edit":         true,
	"MultiEdit":    true,
	"NotebookEdit": true,
	"Bash":         true,
}

// rmPattern matches shell delete invocations so deletions can be inferred
// from Bash tool inputs.
var rmPattern = regexp.MustCompile(`(?:^|[;&|]\s*)rm\s+((?:-\w+\s+)*)([^;&|]+)`)

// Tracker accumulates the observable activity of one agent attempt. Safe
// for concurrent use; the agent stream and the watchdog both touch it.
type Tracker struct {
	mu sync.Mutex

	startedAt    time.Time
	toolUseCount int
	turnCount    int
	writeCount   int
	currentTool  string
	recentCalls  []models.ToolCall
	created      map[string]bool
	modified     map[string]bool
	deleted      map[string]bool
	lastText     string
}

// NewTracker creates a Tracker for a fresh attempt.
func NewTracker() *Tracker {
	return &Tracker{
		startedAt: time.Now(),
		created:   make(map[string]bool),
		modified:  make(map[string]bool),
		deleted:   make(map[string]bool),
	}
}

// Observe consumes one agent event.
func (t *Tracker) Observe(ev agent.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Kind {
	case agent.EventTurnStarted:
		t.turnCount++
	case agent.EventToolUse:
		t.toolUseCount++
		t.currentTool = ev.Tool
		t.recordCall(ev)
		t.recordFileActivity(ev)
	case agent.EventAssistantText:
		t.lastText = ev.Text
	}
}

func (t *Tracker) recordCall(ev agent.Event) {
	call := models.ToolCall{Name: ev.Tool, Input: sanitizeInput(ev.Input)}
	t.recentCalls = append(t.recentCalls, call)
	if len(t.recentCalls) > maxRecentCalls {
		t.recentCalls = t.recentCalls[1:]
	}
}

func (t *Tracker) recordFileActivity(ev agent.Event) {
	if !writeTools[ev.Tool] {
		return
	}
	t.writeCount++

	switch ev.Tool {
	case "Write":
		if path, ok := ev.Input["file_path"].(string); ok && path != "" {
			t.created[path] = true
		}
	case "Edit", "MultiEdit", "NotebookEdit":
		if path, ok := ev.Input["file_path"].(string); ok && path != "" {
			if !t.created[path] {
				t.modified[path] = true
			}
		}
	case "Bash":
		if command, ok := ev.Input["command"].(string); ok {
			for _, path := range inferDeletions(command) {
				t.deleted[path] = true
			}
		}
	}
}

// inferDeletions extracts the path arguments of rm invocations in a shell
// command.
func inferDeletions(command string) []string {
	var paths []string
	for _, match := range rmPattern.FindAllStringSubmatch(command, -1) {
		for _, arg := range strings.Fields(match[2]) {
			if strings.HasPrefix(arg, "-") {
				continue
			}
			paths = append(paths, arg)
		}
	}
	return paths
}

// sanitizeInput flattens a tool input to strings, truncating large fields.
func sanitizeInput(input map[string]any) map[string]string {
	if len(input) == 0 {
		return nil
	}
	out := make(map[string]string, len(input))
	for key, value := range input {
		s := fmt.Sprint(value)
		if len(s) > maxInputLen {
			s = s[:maxInputLen] + "...(truncated)"
		}
		out[key] = s
	}
	return out
}

// ToolUseCount returns the number of tool invocations so far.
func (t *Tracker) ToolUseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.toolUseCount
}

// TurnCount returns the number of turns so far.
func (t *Tracker) TurnCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.turnCount
}

// WroteFiles reports whether any write-capable tool ran.
func (t *Tracker) WroteFiles() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeCount > 0
}

// LastText returns the most recent assistant text.
func (t *Tracker) LastText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastText
}

// Context snapshots the tracker into an immutable structure for attaching
// to a typed error.
func (t *Tracker) Context(phase string) *models.ExecutionContext {
	t.mu.Lock()
	defer t.mu.Unlock()

	return &models.ExecutionContext{
		Phase:         phase,
		CurrentTool:   t.currentTool,
		RecentCalls:   append([]models.ToolCall(nil), t.recentCalls...),
		FilesCreated:  sortedKeys(t.created),
		FilesModified: sortedKeys(t.modified),
		FilesDeleted:  sortedKeys(t.deleted),
		Elapsed:       time.Since(t.startedAt),
	}
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
