// Package workspace manages isolated per-task working directories. Each
// task owns its directory exclusively; a file lock guards against another
// worker process claiming the same directory.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// Manager allocates workspaces under a common root directory.
type Manager struct {
	root string
}

// NewManager creates a Manager rooted at root. The root is created on
// first allocation.
func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// Root returns the workspace root directory.
func (m *Manager) Root() string {
	return m.root
}

// Workspace is one allocated, exclusively owned directory.
type Workspace struct {
	dir  string
	lock *flock.Flock

	mu      sync.Mutex
	removed bool
}

// Allocate creates a fresh, empty directory for the task and acquires an
// exclusive cross-process lock on it.
func (m *Manager) Allocate(taskID string) (*Workspace, error) {
	if err := os.MkdirAll(m.root, 0755); err != nil {
		return nil, fmt.Errorf("create workspace root %s: %w", m.root, err)
	}

	dir := filepath.Join(m.root, fmt.Sprintf("%s-%s", sanitize(taskID), uuid.New().String()[:8]))
	if err := os.Mkdir(dir, 0755); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", dir, err)
	}

	lock := flock.New(filepath.Join(m.root, filepath.Base(dir)+".lock"))
	acquired, err := lock.TryLock()
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("lock workspace %s: %w", dir, err)
	}
	if !acquired {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("workspace %s already locked by another worker", dir)
	}

	return &Workspace{dir: dir, lock: lock}, nil
}

// Dir returns the workspace directory path.
func (w *Workspace) Dir() string {
	return w.dir
}

// Remove releases the lock and deletes the directory. Safe to call more
// than once: removing an already-removed workspace is a no-op.
func (w *Workspace) Remove() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.removed {
		return nil
	}
	w.removed = true

	if err := w.lock.Unlock(); err != nil {
		return fmt.Errorf("unlock workspace %s: %w", w.dir, err)
	}
	if err := os.Remove(w.lock.Path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	if err := os.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("remove workspace %s: %w", w.dir, err)
	}
	return nil
}

// sanitize keeps workspace directory names filesystem-friendly.
func sanitize(s string) string {
	if s == "" {
		return "task"
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}
