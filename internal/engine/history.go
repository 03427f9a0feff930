package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	_ "modernc.org/sqlite"
)

const createExecutionsTable = `
CREATE TABLE IF NOT EXISTS executions (
    id          TEXT PRIMARY KEY,
    tag         TEXT NOT NULL,
    workflow    TEXT NOT NULL,
    input       TEXT NOT NULL,
    status      TEXT NOT NULL,
    attempt     INTEGER NOT NULL,
    timeout_ms  INTEGER NOT NULL,
    output      TEXT,
    error       TEXT,
    started_at  DATETIME NOT NULL,
    finished_at DATETIME
)`

const createExecutionsIndex = `
CREATE INDEX IF NOT EXISTS ix_executions_tag ON executions (tag)`

// At most one running execution per tag.
const createRunningTagIndex = `
CREATE UNIQUE INDEX IF NOT EXISTS ux_executions_running_tag ON executions (tag) WHERE status = 'running'`

const createStepsTable = `
CREATE TABLE IF NOT EXISTS steps (
    execution_id TEXT NOT NULL,
    name         TEXT NOT NULL,
    output       TEXT,
    finished_at  DATETIME NOT NULL,
    PRIMARY KEY (execution_id, name)
)`

// execution is one row of the executions table.
type execution struct {
	ID         string
	Tag        string
	Workflow   string
	Input      json.RawMessage
	Status     Status
	Attempt    int
	Timeout    time.Duration
	Output     json.RawMessage
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// history persists executions and completed steps in SQLite.
type history struct {
	db *sql.DB
}

func openHistory(dbPath string) (*history, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		createExecutionsTable,
		createExecutionsIndex,
		createRunningTagIndex,
		createStepsTable,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init history: %w", err)
		}
	}
	return &history{db: db}, nil
}

func (h *history) close() error {
	return h.db.Close()
}

func (h *history) insert(ctx context.Context, ex *execution) error {
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO executions (id, tag, workflow, input, status, attempt, timeout_ms, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.Tag, ex.Workflow, string(ex.Input), string(ex.Status), ex.Attempt,
		ex.Timeout.Milliseconds(), ex.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// finish closes a running execution. It returns false if the row had
// already left running, e.g. because it was terminated.
func (h *history) finish(ctx context.Context, id string, status Status, output json.RawMessage, errMsg string) (bool, error) {
	var out any
	if len(output) > 0 {
		out = string(output)
	}
	var msg any
	if errMsg != "" {
		msg = errMsg
	}
	res, err := h.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, output = ?, error = ?, finished_at = ?
		WHERE id = ? AND status = ?`,
		string(status), out, msg, time.Now().UTC(), id, string(StatusRunning),
	)
	if err != nil {
		return false, fmt.Errorf("finish execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

func (h *history) bumpAttempt(ctx context.Context, id string) error {
	_, err := h.db.ExecContext(ctx,
		"UPDATE executions SET attempt = attempt + 1 WHERE id = ? AND status = ?",
		id, string(StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("bump attempt: %w", err)
	}
	return nil
}

const executionColumns = `id, tag, workflow, input, status, attempt, timeout_ms,
	output, error, started_at, finished_at`

func scanExecution(sc interface{ Scan(...any) error }) (*execution, error) {
	var (
		ex        execution
		input     string
		status    string
		timeoutMS int64
		output    sql.NullString
		errMsg    sql.NullString
	)
	if err := sc.Scan(&ex.ID, &ex.Tag, &ex.Workflow, &input, &status, &ex.Attempt, &timeoutMS,
		&output, &errMsg, &ex.StartedAt, &ex.FinishedAt); err != nil {
		return nil, err
	}
	ex.Input = json.RawMessage(input)
	ex.Status = Status(status)
	ex.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if output.Valid {
		ex.Output = json.RawMessage(output.String)
	}
	ex.Error = errMsg.String
	return &ex, nil
}

// latest returns the most recent execution for tag, or nil if none exists.
func (h *history) latest(ctx context.Context, tag string) (*execution, error) {
	ex, err := scanExecution(h.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE tag = ? ORDER BY id DESC LIMIT 1`, tag))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return ex, nil
}

func (h *history) running(ctx context.Context) ([]*execution, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE status = ? ORDER BY id`, string(StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("list running executions: %w", err)
	}
	defer rows.Close()

	var out []*execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return out, nil
}

func (h *history) runningTags(ctx context.Context) (map[string]struct{}, error) {
	rows, err := h.db.QueryContext(ctx,
		"SELECT DISTINCT tag FROM executions WHERE status = ?", string(StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("list running tags: %w", err)
	}
	defer rows.Close()

	tags := make(map[string]struct{})
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags[tag] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	return tags, nil
}

// stepOutput returns the recorded output of a completed step.
func (h *history) stepOutput(ctx context.Context, executionID, name string) (json.RawMessage, bool, error) {
	var output sql.NullString
	err := h.db.QueryRowContext(ctx,
		"SELECT output FROM steps WHERE execution_id = ? AND name = ?", executionID, name,
	).Scan(&output)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get step: %w", err)
	}
	if !output.Valid {
		return nil, true, nil
	}
	return json.RawMessage(output.String), true, nil
}

func (h *history) recordStep(ctx context.Context, executionID, name string, output json.RawMessage) error {
	var out any
	if len(output) > 0 {
		out = string(output)
	}
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO steps (execution_id, name, output, finished_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (execution_id, name) DO NOTHING`,
		executionID, name, out, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record step: %w", err)
	}
	return nil
}
