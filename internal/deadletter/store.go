// Package deadletter durably records tasks that exhausted all retries so
// an operator can replay them later. The store is append-only: entries are
// never mutated or deleted by the engine.
package deadletter

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/webedt/autodev/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// WorkerMeta identifies the worker process that abandoned the task.
type WorkerMeta struct {
	WorkerID string `json:"worker_id"`
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
}

// Entry is one durably recorded exhausted task. Immutable once enqueued.
type Entry struct {
	ID                string
	TaskID            string
	Category          string
	Repository        string
	Attempts          []models.ExecutionAttempt
	FinalError        *models.TaskError
	Worker            WorkerMeta
	MaxRetriesReached bool
	CreatedAt         time.Time
}

// Queue is the write side consumed by the task executor. A disabled
// deployment swaps in the no-op implementation.
type Queue interface {
	Enqueue(ctx context.Context, e Entry) (string, error)
}

// Store manages the SQLite database backing the dead-letter queue.
type Store struct {
	db     *sql.DB
	dbPath string
}

// NewStore opens (or creates) the database at dbPath and initializes the
// schema. ":memory:" is supported for tests.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// busy_timeout must come first so later statements wait on locks held
	// by concurrent workers sharing the same file.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

// execWithRetry executes a SQL statement with backoff on lock errors that
// can occur during concurrent initialization of the same database file.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue persists the entry and returns its identifier. An empty entry ID
// is assigned a fresh UUID. Existing entries are never touched.
func (s *Store) Enqueue(ctx context.Context, e Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	attempts, err := json.Marshal(e.Attempts)
	if err != nil {
		return "", fmt.Errorf("marshal attempts: %w", err)
	}
	finalErr, err := json.Marshal(errorRecordFrom(e.FinalError))
	if err != nil {
		return "", fmt.Errorf("marshal final error: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters
			(id, task_id, category, repository, attempts, final_error,
			 worker_id, worker_hostname, worker_version, max_retries_reached, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TaskID, e.Category, e.Repository, string(attempts), string(finalErr),
		e.Worker.WorkerID, e.Worker.Hostname, e.Worker.Version,
		e.MaxRetriesReached, e.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert dead letter: %w", err)
	}

	return e.ID, nil
}

// List returns the most recent entries, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, category, repository, attempts, final_error,
		       worker_id, worker_hostname, worker_version, max_retries_reached, created_at
		FROM dead_letters
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get returns one entry by ID, or sql.ErrNoRows when absent.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, category, repository, attempts, final_error,
		       worker_id, worker_hostname, worker_version, max_retries_reached, created_at
		FROM dead_letters
		WHERE id = ?`, id)

	e, err := scanEntry(row)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var attempts, finalErr string
	err := row.Scan(&e.ID, &e.TaskID, &e.Category, &e.Repository,
		&attempts, &finalErr,
		&e.Worker.WorkerID, &e.Worker.Hostname, &e.Worker.Version,
		&e.MaxRetriesReached, &e.CreatedAt)
	if err != nil {
		return e, err
	}

	if err := json.Unmarshal([]byte(attempts), &e.Attempts); err != nil {
		return e, fmt.Errorf("unmarshal attempts for %s: %w", e.ID, err)
	}
	var rec errorRecord
	if err := json.Unmarshal([]byte(finalErr), &rec); err != nil {
		return e, fmt.Errorf("unmarshal final error for %s: %w", e.ID, err)
	}
	e.FinalError = rec.toTaskError()
	return e, nil
}

// errorRecord is the persisted shape of a typed error. TaskError carries a
// wrapped error value that does not survive serialization, so only the
// diagnostic fields are stored.
type errorRecord struct {
	Kind      string                   `json:"kind"`
	Code      string                   `json:"code"`
	Message   string                   `json:"message"`
	Retryable bool                     `json:"retryable"`
	Strategy  models.RecoveryStrategy  `json:"strategy"`
	Context   *models.ExecutionContext `json:"context,omitempty"`
	Cause     string                   `json:"cause,omitempty"`
	Timestamp time.Time                `json:"timestamp"`
}

func errorRecordFrom(te *models.TaskError) errorRecord {
	if te == nil {
		return errorRecord{}
	}
	rec := errorRecord{
		Kind:      te.Kind.String(),
		Code:      te.Code,
		Message:   te.Message,
		Retryable: te.Retryable,
		Strategy:  te.Strategy,
		Context:   te.Context,
		Timestamp: te.Timestamp,
	}
	if te.Err != nil {
		rec.Cause = te.Err.Error()
	}
	return rec
}

func (r errorRecord) toTaskError() *models.TaskError {
	if r.Code == "" && r.Message == "" {
		return nil
	}
	kind := models.ErrorKindAgent
	for _, k := range []models.ErrorKind{
		models.ErrorKindNetwork, models.ErrorKindTimeout, models.ErrorKindGit,
		models.ErrorKindAgent, models.ErrorKindWorkspace,
	} {
		if k.String() == r.Kind {
			kind = k
			break
		}
	}
	return &models.TaskError{
		Kind:      kind,
		Code:      r.Code,
		Message:   r.Message,
		Retryable: r.Retryable,
		Strategy:  r.Strategy,
		Context:   r.Context,
		Timestamp: r.Timestamp,
	}
}

// Disabled is the no-op queue used when dead-lettering is turned off.
// Enqueue only logs through the provided function.
type Disabled struct {
	Logf func(format string, args ...interface{})
}

// Enqueue implements Queue without persisting anything.
func (d Disabled) Enqueue(_ context.Context, e Entry) (string, error) {
	if d.Logf != nil {
		d.Logf("dead-letter disabled: dropping entry for task %s (%s)", e.TaskID, e.Category)
	}
	return "", nil
}
