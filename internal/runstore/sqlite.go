package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/flowtrack/internal/storage"
	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

// SQLiteStore implements RunStore on a SQLite database. Transitions are
// conditional UPDATEs guarded on the current status.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the runs table if needed.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	flow_id          TEXT NOT NULL,
	status           TEXT NOT NULL,
	start_time       TEXT,
	stop_time        TEXT,
	metrics          TEXT,
	parameters       TEXT,
	error            TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL,
	last_activity_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_flow ON runs(flow_id);
CREATE INDEX IF NOT EXISTS idx_runs_status_activity ON runs(status, last_activity_at);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("init runs schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, flowID string, parameters map[string]any) (*types.Run, error) {
	now := time.Now().UTC()
	run := &types.Run{
		ID:             uuid.NewString(),
		FlowID:         flowID,
		Status:         types.RunStatusCreated,
		Parameters:     parameters,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	params, err := marshalNullable(parameters)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO runs (id, flow_id, status, parameters, created_at, last_activity_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, flowID, string(run.Status), params, storage.FormatTime(now), storage.FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

const selectRun = `SELECT id, flow_id, status, start_time, stop_time, metrics, parameters, error, created_at, last_activity_at FROM runs`

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, selectRun+` WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter *RunFilter) ([]*types.Run, error) {
	var (
		where []string
		args  []any
	)
	if filter != nil {
		if filter.FlowID != "" {
			where = append(where, "flow_id = ?")
			args = append(args, filter.FlowID)
		}
		if len(filter.Statuses) > 0 {
			marks := make([]string, len(filter.Statuses))
			for i, st := range filter.Statuses {
				marks[i] = "?"
				args = append(args, string(st))
			}
			where = append(where, "status IN ("+strings.Join(marks, ",")+")")
		}
		if !filter.InactiveBefore.IsZero() {
			where = append(where, "last_activity_at < ?")
			args = append(args, storage.FormatTime(filter.InactiveBefore))
		}
	}

	query := selectRun
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter != nil && filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]*types.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// classify explains why a guarded UPDATE touched no rows.
func (s *SQLiteStore) classify(ctx context.Context, runID string) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return ErrRunTerminal
	}
	return nil
}

func (s *SQLiteStore) MarkRunning(ctx context.Context, runID string, at time.Time) (bool, error) {
	ts := storage.FormatTime(at)
	res, err := s.db.ExecContext(ctx, `
UPDATE runs SET status = ?, start_time = ?, last_activity_at = MAX(last_activity_at, ?)
WHERE id = ? AND status = ?`,
		string(types.RunStatusRunning), ts, ts, runID, string(types.RunStatusCreated))
	if err != nil {
		return false, fmt.Errorf("mark running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	return false, s.classify(ctx, runID)
}

func (s *SQLiteStore) Touch(ctx context.Context, runID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE runs SET last_activity_at = MAX(last_activity_at, ?)
WHERE id = ? AND status IN (?, ?)`,
		storage.FormatTime(at), runID, string(types.RunStatusCreated), string(types.RunStatusRunning))
	if err != nil {
		return fmt.Errorf("touch run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetRun(ctx, runID); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Finalize(ctx context.Context, runID string, in *FinalizeInput) (*types.Run, error) {
	if err := validateFinalize(in); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback()

	run, err := scanRun(tx.QueryRowContext(ctx, selectRun+` WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, ErrRunTerminal
	}
	prev := run.Status
	applyFinalize(run, in)

	metrics, err := marshalNullable(run.Metrics)
	if err != nil {
		return nil, fmt.Errorf("marshal metrics: %w", err)
	}
	params, err := marshalNullable(run.Parameters)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
UPDATE runs SET status = ?, start_time = ?, stop_time = ?, metrics = ?, parameters = ?, error = ?, last_activity_at = ?
WHERE id = ? AND status = ?`,
		string(run.Status), storage.FormatTime(*run.StartTime), storage.FormatTime(*run.StopTime),
		metrics, params, run.Error, storage.FormatTime(run.LastActivityAt), runID, string(prev))
	if err != nil {
		return nil, fmt.Errorf("finalize run: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, ErrRunTerminal
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit finalize: %w", err)
	}
	return run, nil
}

func (s *SQLiteStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return map[string]interface{}{
			"adapter": "sqlite",
			"healthy": false,
			"error":   err.Error(),
		}, nil
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&count); err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	return map[string]interface{}{
		"adapter": "sqlite",
		"healthy": true,
		"details": map[string]interface{}{
			"runs": count,
		},
	}, nil
}

// Close is a no-op; the shared database is closed by its owner.
func (s *SQLiteStore) Close() error {
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*types.Run, error) {
	var (
		r                         types.Run
		status                    string
		start, stop               sql.NullString
		metrics, params           sql.NullString
		createdAt, lastActivityAt string
	)
	if err := row.Scan(&r.ID, &r.FlowID, &status, &start, &stop, &metrics, &params, &r.Error, &createdAt, &lastActivityAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.Status = types.RunStatus(status)

	var err error
	if r.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if r.LastActivityAt, err = storage.ParseTime(lastActivityAt); err != nil {
		return nil, fmt.Errorf("parse last_activity_at: %w", err)
	}
	if start.Valid {
		t, err := storage.ParseTime(start.String)
		if err != nil {
			return nil, fmt.Errorf("parse start_time: %w", err)
		}
		r.StartTime = &t
	}
	if stop.Valid {
		t, err := storage.ParseTime(stop.String)
		if err != nil {
			return nil, fmt.Errorf("parse stop_time: %w", err)
		}
		r.StopTime = &t
	}
	if metrics.Valid {
		if err := json.Unmarshal([]byte(metrics.String), &r.Metrics); err != nil {
			return nil, fmt.Errorf("unmarshal metrics: %w", err)
		}
	}
	if params.Valid {
		if err := json.Unmarshal([]byte(params.String), &r.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshal parameters: %w", err)
		}
	}
	return &r, nil
}

func marshalNullable(v any) (sql.NullString, error) {
	switch m := v.(type) {
	case map[string]any:
		if m == nil {
			return sql.NullString{}, nil
		}
	case map[string]float64:
		if m == nil {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

var _ RunStore = (*SQLiteStore)(nil)
