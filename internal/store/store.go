package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/opstrack/internal/model"
)

// ErrNotFound is returned (wrapped in *model.RecordNotFoundError) when an
// operation does not exist.
var ErrNotFound = model.ErrNotFound

// Outcome reports what a conditional Transition did.
type Outcome int

const (
	// Applied means the record moved to the requested status.
	Applied Outcome = iota + 1
	// Unchanged means the record was already in the requested non-terminal
	// status; nothing was written.
	Unchanged
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Unchanged:
		return "unchanged"
	default:
		return "unknown"
	}
}

// ListFilter narrows ListOperations. A zero Status matches every status.
type ListFilter struct {
	Status model.Status
	Limit  int
	Offset int
}

// OperationStats holds aggregate operation counts.
type OperationStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByKind   map[string]int `json:"count_by_kind"`
}

// Store defines the persistence operations for operation records.
type Store interface {
	CreateOperation(ctx context.Context, op *model.Operation) error
	GetOperation(ctx context.Context, id string) (*model.Operation, error)
	ListOperations(ctx context.Context, f ListFilter) ([]*model.Operation, int, error)
	ListOperationIDsByStatus(ctx context.Context, status model.Status) ([]string, error)
	// Transition moves a record from tr.From to tr.To with a single-row
	// conditional update. Errors are *model.RecordNotFoundError,
	// *model.AlreadyTerminalError or *model.InvalidTransitionError when the
	// record is missing or not in tr.From.
	Transition(ctx context.Context, id string, tr model.Transition) (Outcome, error)
	GetOperationStats(ctx context.Context) (*OperationStats, error)
	Ping(ctx context.Context) error
	Close() error
}

// Config selects and tunes the backing database.
type Config struct {
	// URL is a postgres:// or postgresql:// URL, or a SQLite path
	// (optionally prefixed with sqlite://). ":memory:" opens a private
	// in-memory SQLite database.
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Open opens the store named by cfg.URL and applies its schema.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch {
	case strings.HasPrefix(cfg.URL, "postgres://"), strings.HasPrefix(cfg.URL, "postgresql://"):
		return OpenPostgres(ctx, cfg)
	case cfg.URL == "":
		return nil, fmt.Errorf("database url is required")
	default:
		return NewSQLiteStore(strings.TrimPrefix(cfg.URL, "sqlite://"))
	}
}

// validateTransition rejects transitions that are not edges of the status
// graph before any SQL is issued.
func validateTransition(id string, tr *model.Transition) error {
	if !model.ValidTransition(tr.From, tr.To) {
		return &model.InvalidTransitionError{ID: id, From: tr.From, To: tr.To}
	}
	if tr.To.IsTerminal() && tr.Result == nil {
		return fmt.Errorf("transition %s -> %s requires a result", tr.From, tr.To)
	}
	if tr.At.IsZero() {
		tr.At = time.Now().UTC()
	}
	tr.At = tr.At.UTC()
	return nil
}

// transitionArgs returns the started_at, finished_at, result and
// execution_id values for a transition; fields that the target status does
// not own are nil so COALESCE keeps whatever is stored.
func transitionArgs(tr model.Transition) (startedAt, finishedAt, result, executionID any, err error) {
	if tr.To == model.StatusRunning {
		startedAt = tr.At
	}
	if tr.To.IsTerminal() {
		finishedAt = tr.At
		b, err := json.Marshal(tr.Result)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("encode result: %w", err)
		}
		result = string(b)
	}
	if tr.ExecutionID != "" {
		executionID = tr.ExecutionID
	}
	return startedAt, finishedAt, result, executionID, nil
}

// classifyMiss explains why a conditional update touched no rows by reading
// the record's current status.
func classifyMiss(ctx context.Context, s Store, id string, tr model.Transition) (Outcome, error) {
	current, err := s.GetOperation(ctx, id)
	if err != nil {
		return 0, err
	}
	noop, err := model.CheckTransition(id, current.Status, tr.To)
	if err != nil {
		return 0, err
	}
	if noop {
		return Unchanged, nil
	}
	// The record is in a status from which tr.To is legal, but not tr.From.
	return 0, &model.InvalidTransitionError{ID: id, From: current.Status, To: tr.To}
}

type rowScanner interface {
	Scan(dest ...any) error
}

const operationColumns = `id, target_id, kind, status, execution_id, accepted_at,
	started_at, finished_at, parameters, result`

func scanOperation(sc rowScanner) (*model.Operation, error) {
	var (
		op          model.Operation
		executionID sql.NullString
		params      []byte
		result      sql.NullString
	)
	if err := sc.Scan(
		&op.ID, &op.TargetID, &op.Kind, &op.Status, &executionID, &op.AcceptedAt,
		&op.StartedAt, &op.FinishedAt, &params, &result,
	); err != nil {
		return nil, err
	}
	op.ExecutionID = executionID.String
	op.Parameters = json.RawMessage(params)
	if result.Valid && result.String != "" {
		var r model.Result
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return nil, fmt.Errorf("decode result of %s: %w", op.ID, err)
		}
		op.Result = &r
	}
	return &op, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func splitStatements(schema string) []string {
	var stmts []string
	for _, s := range strings.Split(schema, ";") {
		if s = strings.TrimSpace(s); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
