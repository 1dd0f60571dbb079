package cmd

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/webedt/autodev/internal/deadletter"
	"github.com/webedt/autodev/internal/models"
)

// seedDeadLetterDB creates a store with one entry and returns its path
// and the entry ID.
func seedDeadLetterDB(t *testing.T) (string, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "deadletter.db")
	store, err := deadletter.NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer store.Close()

	te := models.NewAgentError("agent_timeout", "agent exceeded the attempt deadline", true, errors.New("context deadline exceeded"))
	id, err := store.Enqueue(context.Background(), deadletter.Entry{
		TaskID:     "task-1",
		Category:   "timeout",
		Repository: "acme/widgets",
		Attempts: []models.ExecutionAttempt{
			{Attempt: 1, StartedAt: time.Now(), Duration: 30 * time.Minute, ToolUseCount: 12, TurnCount: 8, Error: "context deadline exceeded"},
		},
		FinalError:        te,
		Worker:            deadletter.WorkerMeta{WorkerID: "w1", Hostname: "host", Version: "test"},
		MaxRetriesReached: true,
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return dbPath, id
}

func executeDeadLetterCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := NewDeadLetterCommand()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return buf.String(), err
}

func TestDeadLetterList(t *testing.T) {
	dbPath, id := seedDeadLetterDB(t)

	out, err := executeDeadLetterCommand(t, "list", "--db", dbPath)
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	if !strings.Contains(out, id) {
		t.Errorf("list output should contain entry ID %s, got: %s", id, out)
	}
	if !strings.Contains(out, "acme/widgets") || !strings.Contains(out, "timeout") {
		t.Errorf("list output missing entry fields: %s", out)
	}
}

func TestDeadLetterListEmpty(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "deadletter.db")

	out, err := executeDeadLetterCommand(t, "list", "--db", dbPath)
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	if !strings.Contains(out, "empty") {
		t.Errorf("expected empty-queue message, got: %s", out)
	}
}

func TestDeadLetterShow(t *testing.T) {
	dbPath, id := seedDeadLetterDB(t)

	out, err := executeDeadLetterCommand(t, "show", id, "--db", dbPath)
	if err != nil {
		t.Fatalf("show error = %v", err)
	}

	for _, want := range []string{id, "task-1", "acme/widgets", "agent_timeout", "12 tool call(s)"} {
		if !strings.Contains(out, want) {
			t.Errorf("show output should contain %q, got: %s", want, out)
		}
	}
}

func TestDeadLetterShowUnknownID(t *testing.T) {
	dbPath, _ := seedDeadLetterDB(t)

	_, err := executeDeadLetterCommand(t, "show", "no-such-id", "--db", dbPath)
	if err == nil {
		t.Error("expected error for unknown entry ID")
	}
}
