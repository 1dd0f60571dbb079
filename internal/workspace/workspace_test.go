package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAllocateCreatesEmptyDir(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "workspaces"))

	ws, err := m.Allocate("issue-17")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer ws.Remove()

	info, err := os.Stat(ws.Dir())
	if err != nil {
		t.Fatalf("stat workspace: %v", err)
	}
	if !info.IsDir() {
		t.Error("workspace should be a directory")
	}

	entries, err := os.ReadDir(ws.Dir())
	if err != nil {
		t.Fatalf("read workspace: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("workspace should start empty, has %d entries", len(entries))
	}

	if !strings.Contains(filepath.Base(ws.Dir()), "issue-17") {
		t.Errorf("workspace dir %q should embed the task id", ws.Dir())
	}
}

func TestAllocateUniqueDirs(t *testing.T) {
	m := NewManager(t.TempDir())

	a, err := m.Allocate("same-task")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer a.Remove()

	b, err := m.Allocate("same-task")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer b.Remove()

	if a.Dir() == b.Dir() {
		t.Errorf("two allocations returned the same dir %q", a.Dir())
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	m := NewManager(t.TempDir())

	ws, err := m.Allocate("task")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if err := ws.Remove(); err != nil {
		t.Fatalf("first Remove: %v", err)
	}
	if _, err := os.Stat(ws.Dir()); !os.IsNotExist(err) {
		t.Error("workspace dir should be gone after Remove")
	}

	// Second removal must not raise: success path and finally-guard both
	// call Remove.
	if err := ws.Remove(); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"issue-42", "issue-42"},
		{"owner/repo#7", "owner-repo-7"},
		{"", "task"},
	}
	for _, tt := range tests {
		if got := sanitize(tt.in); got != tt.want {
			t.Errorf("sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
