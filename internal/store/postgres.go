package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/seantiz/opstrack/internal/model"
)

//go:embed schema_postgres.sql
var postgresSchema string

// Compile-time interface satisfaction check.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store using PostgreSQL through the pgx driver.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already opened database. The schema is not
// applied; use OpenPostgres for that.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects to cfg.URL, checks the connection and applies the
// schema.
func OpenPostgres(ctx context.Context, cfg Config) (*PostgresStore, error) {
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	if cfg.MaxOpenConns < 1 {
		cfg.MaxOpenConns = 10
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	for _, stmt := range splitStatements(postgresSchema) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateOperation(ctx context.Context, op *model.Operation) error {
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
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		op.ID, op.TargetID, string(op.Kind), string(op.Status), executionID, op.AcceptedAt.UTC(), string(params),
	)
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOperation(ctx context.Context, id string) (*model.Operation, error) {
	op, err := scanOperation(s.db.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE id = $1`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &model.RecordNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}
	return op, nil
}

func (s *PostgresStore) ListOperations(ctx context.Context, f ListFilter) ([]*model.Operation, int, error) {
	where, args := "", []any{}
	if f.Status != "" {
		where, args = " WHERE status = $1", append(args, string(f.Status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM operations"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count operations: %w", err)
	}

	n := len(args)
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM operations%s ORDER BY accepted_at DESC LIMIT $%d OFFSET $%d`,
			operationColumns, where, n+1, n+2),
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

func (s *PostgresStore) ListOperationIDsByStatus(ctx context.Context, status model.Status) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM operations WHERE status = $1", string(status))
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

func (s *PostgresStore) Transition(ctx context.Context, id string, tr model.Transition) (Outcome, error) {
	if err := validateTransition(id, &tr); err != nil {
		return 0, err
	}
	startedAt, finishedAt, result, executionID, err := transitionArgs(tr)
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE operations SET
			status = $1,
			started_at = COALESCE(started_at, $2),
			finished_at = COALESCE(finished_at, $3),
			result = COALESCE(result, $4),
			execution_id = COALESCE(execution_id, $5)
		WHERE id = $6 AND status = $7`,
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

func (s *PostgresStore) GetOperationStats(ctx context.Context) (*OperationStats, error) {
	return queryStats(ctx, s.db)
}
