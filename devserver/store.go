package devserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyRunning = errors.New("workflow already running")
	ErrAlreadyClosed  = errors.New("already completed")
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
    run_id        TEXT PRIMARY KEY,
    workflow_id   TEXT NOT NULL,
    namespace     TEXT NOT NULL,
    workflow_type TEXT NOT NULL,
    task_queue    TEXT NOT NULL,
    status        TEXT NOT NULL,
    input         BLOB,
    result        BLOB,
    failure       TEXT,
    created_at    DATETIME NOT NULL,
    updated_at    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS executions_workflow_id ON executions (namespace, workflow_id, created_at);

CREATE TABLE IF NOT EXISTS workflow_tasks (
    task_token TEXT PRIMARY KEY,
    run_id     TEXT NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS activities (
    task_token        TEXT PRIMARY KEY,
    run_id            TEXT NOT NULL,
    activity_id       TEXT NOT NULL,
    activity_type     TEXT NOT NULL,
    task_queue        TEXT NOT NULL,
    status            TEXT NOT NULL,
    input             BLOB,
    result            BLOB,
    failure           TEXT,
    heartbeat_details BLOB,
    last_heartbeat_at DATETIME,
    cancel_requested  INTEGER NOT NULL DEFAULT 0,
    created_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS search_attributes (
    namespace TEXT NOT NULL,
    name      TEXT NOT NULL,
    type      TEXT NOT NULL,
    PRIMARY KEY (namespace, name)
);`

// Execution is one workflow run.
type Execution struct {
	CreatedAt    time.Time
	UpdatedAt    time.Time
	RunID        string
	WorkflowID   string
	Namespace    string
	WorkflowType string
	TaskQueue    string
	Status       string
	Failure      string
	Input        []byte
	Result       []byte
}

// Activity is one scheduled activity.
type Activity struct {
	CreatedAt       time.Time
	LastHeartbeatAt sql.NullTime
	TaskToken       string
	RunID           string
	ActivityID      string
	ActivityType    string
	TaskQueue       string
	Status          string
	Failure         string
	Input           []byte
	Result          []byte
	Details         []byte
	CancelRequested bool
}

// Activity statuses.
const (
	activityScheduled = "scheduled"
	activityCompleted = "completed"
	activityFailed    = "failed"
)

// Store persists server state in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens the database at path, or a private in-memory database when
// path is empty, and applies the schema.
func OpenStore(path string) (*Store, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if path == "" {
		// Each connection to :memory: is its own database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateExecution inserts a new run. A running execution with the same
// workflow id makes it fail with ErrAlreadyRunning.
func (s *Store) CreateExecution(ctx context.Context, e *Execution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var n int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE namespace = ? AND workflow_id = ? AND status = 'running'`,
		e.Namespace, e.WorkflowID,
	).Scan(&n)
	if err != nil {
		return fmt.Errorf("check running: %w", err)
	}
	if n > 0 {
		return ErrAlreadyRunning
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO executions (
			run_id, workflow_id, namespace, workflow_type, task_queue, status,
			input, result, failure, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.WorkflowID, e.Namespace, e.WorkflowType, e.TaskQueue, e.Status,
		e.Input, e.Result, e.Failure, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return tx.Commit()
}

const executionColumns = `run_id, workflow_id, namespace, workflow_type, task_queue, status,
	input, result, COALESCE(failure, ''), created_at, updated_at`

func scanExecution(row *sql.Row) (*Execution, error) {
	e := &Execution{}
	err := row.Scan(
		&e.RunID, &e.WorkflowID, &e.Namespace, &e.WorkflowType, &e.TaskQueue, &e.Status,
		&e.Input, &e.Result, &e.Failure, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// GetExecution returns a run by run id.
func (s *Store) GetExecution(ctx context.Context, runID string) (*Execution, error) {
	return scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE run_id = ?`, runID))
}

// LatestExecution returns the most recent run of a workflow id.
func (s *Store) LatestExecution(ctx context.Context, namespace, workflowID string) (*Execution, error) {
	return scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions
		WHERE namespace = ? AND workflow_id = ?
		ORDER BY created_at DESC, run_id DESC LIMIT 1`, namespace, workflowID))
}

// CloseExecution moves a running execution to a terminal status.
func (s *Store) CloseExecution(ctx context.Context, runID, status string, result []byte, failure string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, result = ?, failure = ?, updated_at = ?
		WHERE run_id = ? AND status = 'running'`,
		status, result, failure, time.Now().UTC(), runID,
	)
	if err != nil {
		return fmt.Errorf("close execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyClosed
	}
	return nil
}

// CountExecutions returns the number of runs per status.
func (s *Store) CountExecutions(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM executions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count executions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// PutWorkflowTask records an outstanding workflow task token.
func (s *Store) PutWorkflowTask(ctx context.Context, token, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_tasks (task_token, run_id, created_at) VALUES (?, ?, ?)`,
		token, runID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert workflow task: %w", err)
	}
	return nil
}

// TakeWorkflowTask removes an outstanding workflow task and returns its run.
func (s *Store) TakeWorkflowTask(ctx context.Context, token string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var runID string
	err = tx.QueryRowContext(ctx, `SELECT run_id FROM workflow_tasks WHERE task_token = ?`, token).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get workflow task: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_tasks WHERE task_token = ?`, token); err != nil {
		return "", fmt.Errorf("delete workflow task: %w", err)
	}
	return runID, tx.Commit()
}

// CreateActivity inserts a scheduled activity.
func (s *Store) CreateActivity(ctx context.Context, a *Activity) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activities (
			task_token, run_id, activity_id, activity_type, task_queue, status,
			input, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.TaskToken, a.RunID, a.ActivityID, a.ActivityType, a.TaskQueue, activityScheduled,
		a.Input, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// GetActivity returns an activity by task token.
func (s *Store) GetActivity(ctx context.Context, token string) (*Activity, error) {
	a := &Activity{}
	var cancel int
	err := s.db.QueryRowContext(ctx,
		`SELECT task_token, run_id, activity_id, activity_type, task_queue, status,
			input, result, COALESCE(failure, ''), heartbeat_details, last_heartbeat_at,
			cancel_requested, created_at
		FROM activities WHERE task_token = ?`, token,
	).Scan(
		&a.TaskToken, &a.RunID, &a.ActivityID, &a.ActivityType, &a.TaskQueue, &a.Status,
		&a.Input, &a.Result, &a.Failure, &a.Details, &a.LastHeartbeatAt,
		&cancel, &a.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get activity: %w", err)
	}
	a.CancelRequested = cancel != 0
	return a, nil
}

// CompleteActivity records the outcome of a scheduled activity. A non-empty
// failure marks it failed.
func (s *Store) CompleteActivity(ctx context.Context, token string, result []byte, failure string) (*Activity, error) {
	status := activityCompleted
	if failure != "" {
		status = activityFailed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE activities SET status = ?, result = ?, failure = ?
		WHERE task_token = ? AND status = ?`,
		status, result, failure, token, activityScheduled,
	)
	if err != nil {
		return nil, fmt.Errorf("complete activity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetActivity(ctx, token); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyClosed
	}
	return s.GetActivity(ctx, token)
}

// RecordHeartbeat stores the latest heartbeat details and reports whether
// cancellation was requested.
func (s *Store) RecordHeartbeat(ctx context.Context, token string, details []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE activities SET heartbeat_details = ?, last_heartbeat_at = ?
		WHERE task_token = ? AND status = ?`,
		details, time.Now().UTC(), token, activityScheduled,
	)
	if err != nil {
		return false, fmt.Errorf("record heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, ErrNotFound
	}
	a, err := s.GetActivity(ctx, token)
	if err != nil {
		return false, err
	}
	return a.CancelRequested, nil
}

// RequestActivityCancel flags every scheduled activity of a run for
// cancellation.
func (s *Store) RequestActivityCancel(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE activities SET cancel_requested = 1 WHERE run_id = ? AND status = ?`,
		runID, activityScheduled)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	return nil
}

// AddSearchAttributes registers attribute names with their types.
func (s *Store) AddSearchAttributes(ctx context.Context, namespace string, attrs map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for name, typ := range attrs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO search_attributes (namespace, name, type) VALUES (?, ?, ?)
			ON CONFLICT (namespace, name) DO UPDATE SET type = excluded.type`,
			namespace, name, typ)
		if err != nil {
			return fmt.Errorf("insert search attribute: %w", err)
		}
	}
	return tx.Commit()
}

// ListSearchAttributes returns the registered attributes of a namespace.
func (s *Store) ListSearchAttributes(ctx context.Context, namespace string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, type FROM search_attributes WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, fmt.Errorf("list search attributes: %w", err)
	}
	defer rows.Close()

	attrs := make(map[string]string)
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, fmt.Errorf("scan search attribute: %w", err)
		}
		attrs[name] = typ
	}
	return attrs, rows.Err()
}
