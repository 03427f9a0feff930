package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/seantiz/opstrack/internal/model"

	_ "modernc.org/sqlite"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: SQLite has a single writer, the pragmas below are
	// per-connection, and every connection to ":memory:" is its own database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range splitStatements(sqliteSchema) {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle so other components can share the file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateOperation inserts a new operation record.
func (s *SQLiteStore) CreateOperation(ctx context.Context, op *model.Operation) error {
	params := op.Parameters
	if len(params) == 0 {
		params = []byte("{}")
	}
	var executionID any
	if op.ExecutionID != "" {
		executionID = op.ExecutionID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operations (
			id, target_id, kind, status, execution_id, accepted_at, parameters
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.TargetID, string(op.Kind), string(op.Status), executionID, op.AcceptedAt.UTC(), string(params),
	)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

// GetOperation retrieves an operation by ID.
func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*model.Operation, error) {
	op, err := scanOperation(s.db.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &model.RecordNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}
	return op, nil
}

// ListOperations returns a page of operations ordered by accepted_at DESC,
// along with the total count matching the filter.
func (s *SQLiteStore) ListOperations(ctx context.Context, f ListFilter) ([]*model.Operation, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	where, args := "", []any{}
	if f.Status != "" {
		where, args = " WHERE status = ?", append(args, string(f.Status))
	}

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM operations"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count operations: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+operationColumns+` FROM operations`+where+
			` ORDER BY accepted_at DESC LIMIT ? OFFSET ?`,
		append(args, normalizeLimit(f.Limit), f.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var ops []*model.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate operations: %w", err)
	}

	return ops, total, nil
}

// ListOperationIDsByStatus returns the IDs of every operation in status.
func (s *SQLiteStore) ListOperationIDsByStatus(ctx context.Context, status model.Status) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM operations WHERE status = ?", string(status))
	if err != nil {
		return nil, fmt.Errorf("list operation ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan operation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operation ids: %w", err)
	}
	return ids, nil
}

// Transition applies tr to the operation if it is still in tr.From.
func (s *SQLiteStore) Transition(ctx context.Context, id string, tr model.Transition) (Outcome, error) {
	if err := validateTransition(id, &tr); err != nil {
		return 0, err
	}
	startedAt, finishedAt, result, executionID, err := transitionArgs(tr)
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE operations SET
			status = ?,
			started_at = COALESCE(started_at, ?),
			finished_at = COALESCE(finished_at, ?),
			result = COALESCE(result, ?),
			execution_id = COALESCE(execution_id, ?)
		WHERE id = ? AND status = ?`,
		string(tr.To), startedAt, finishedAt, result, executionID, id, string(tr.From),
	)
	if err != nil {
		return 0, fmt.Errorf("update operation status: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 1 {
		return Applied, nil
	}
	return classifyMiss(ctx, s, id, tr)
}

// GetOperationStats returns aggregate counts by status and kind.
func (s *SQLiteStore) GetOperationStats(ctx context.Context) (*OperationStats, error) {
	return queryStats(ctx, s.db)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryStats(ctx context.Context, db queryer) (*OperationStats, error) {
	stats := &OperationStats{
		CountByStatus: make(map[string]int),
		CountByKind:   make(map[string]int),
	}
	for _, q := range []struct {
		column string
		into   map[string]int
	}{
		{"status", stats.CountByStatus},
		{"kind", stats.CountByKind},
	} {
		if err := countBy(ctx, db, q.column, q.into); err != nil {
			return nil, err
		}
	}
	for _, n := range stats.CountByStatus {
		stats.Total += n
	}
	return stats, nil
}

func countBy(ctx context.Context, db queryer, column string, into map[string]int) error {
	rows, err := db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM operations GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}
