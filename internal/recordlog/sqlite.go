package recordlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/flexinfer/mentatlab/services/flowtrack/internal/storage"
	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

const sqliteScanPage = 256

// SQLiteLog stores records in a SQLite table. Durability comes from the
// database's own journal (WAL mode, synchronous=FULL).
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLiteLog creates the flow_records table if needed.
func NewSQLiteLog(ctx context.Context, db *sql.DB) (*SQLiteLog, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS flow_records (
	run_id          TEXT NOT NULL,
	sequence_number INTEGER NOT NULL,
	record_id       TEXT NOT NULL UNIQUE,
	step_name       TEXT NOT NULL,
	data            TEXT NOT NULL,
	logged_at       TEXT NOT NULL,
	PRIMARY KEY (run_id, sequence_number)
);
CREATE TABLE IF NOT EXISTS flow_record_seals (
	run_id    TEXT PRIMARY KEY,
	sealed_at TEXT NOT NULL
);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("init flow_records schema: %w", err)
	}
	return &SQLiteLog{db: db}, nil
}

func (l *SQLiteLog) Append(ctx context.Context, rec *types.FlowRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin append: %v", types.ErrDurability, err)
	}
	defer tx.Rollback()

	var sealed int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM flow_record_seals WHERE run_id = ?`, rec.RunID,
	).Scan(&sealed); err != nil {
		return fmt.Errorf("%w: read seal: %v", types.ErrDurability, err)
	}
	if sealed > 0 {
		return ErrSealed
	}

	var last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) FROM flow_records WHERE run_id = ?`, rec.RunID,
	).Scan(&last); err != nil {
		return fmt.Errorf("%w: read last sequence: %v", types.ErrDurability, err)
	}
	if err := checkNext(last, rec.SequenceNumber); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO flow_records (run_id, sequence_number, record_id, step_name, data, logged_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.SequenceNumber, rec.RecordID, rec.StepName, string(rec.Data), storage.FormatTime(rec.LoggedAt))
	if err != nil {
		return classifyInsert(err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit append: %v", types.ErrDurability, err)
	}
	return nil
}

func classifyInsert(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "flow_records.record_id"):
		return ErrRecordExists
	case strings.Contains(msg, "flow_records.sequence_number"), strings.Contains(msg, "PRIMARY KEY"):
		return ErrSequenceTaken
	}
	return fmt.Errorf("%w: insert record: %v", types.ErrDurability, err)
}

// Scan pages through the table so long runs are not loaded at once.
func (l *SQLiteLog) Scan(ctx context.Context, runID string, from int64) iter.Seq2[*types.FlowRecord, error] {
	return func(yield func(*types.FlowRecord, error) bool) {
		// Pin the end of the scan so concurrent appends are not included.
		var last int64
		if err := l.db.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence_number), 0) FROM flow_records WHERE run_id = ?`, runID,
		).Scan(&last); err != nil {
			yield(nil, fmt.Errorf("%w: read last sequence: %v", types.ErrDurability, err))
			return
		}

		cursor := from
		for cursor < last {
			page, err := l.page(ctx, runID, cursor, last)
			if err != nil {
				yield(nil, err)
				return
			}
			if len(page) == 0 {
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
				cursor = rec.SequenceNumber
			}
		}
	}
}

func (l *SQLiteLog) page(ctx context.Context, runID string, after, upTo int64) ([]*types.FlowRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT run_id, sequence_number, record_id, step_name, data, logged_at
FROM flow_records
WHERE run_id = ? AND sequence_number > ? AND sequence_number <= ?
ORDER BY sequence_number
LIMIT ?`, runID, after, upTo, sqliteScanPage)
	if err != nil {
		return nil, fmt.Errorf("%w: scan records: %v", types.ErrDurability, err)
	}
	defer rows.Close()

	var out []*types.FlowRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (l *SQLiteLog) Lookup(ctx context.Context, recordID string) (*types.FlowRecord, error) {
	rec, err := scanRecord(l.db.QueryRowContext(ctx, `
SELECT run_id, sequence_number, record_id, step_name, data, logged_at
FROM flow_records WHERE record_id = ?`, recordID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

func (l *SQLiteLog) LastSequence(ctx context.Context, runID string) (int64, error) {
	var last int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) FROM flow_records WHERE run_id = ?`, runID,
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("last sequence: %w", err)
	}
	return last, nil
}

// Seal rejects later appends to the run, including from other processes
// sharing the database.
func (l *SQLiteLog) Seal(ctx context.Context, runID string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO flow_record_seals (run_id, sealed_at) VALUES (?, ?) ON CONFLICT(run_id) DO NOTHING`,
		runID, storage.FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("seal run: %w", err)
	}
	return nil
}

func (l *SQLiteLog) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close is a no-op; the shared database is closed by its owner.
func (l *SQLiteLog) Close() error { return nil }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*types.FlowRecord, error) {
	var (
		rec      types.FlowRecord
		data     string
		loggedAt string
	)
	if err := row.Scan(&rec.RunID, &rec.SequenceNumber, &rec.RecordID, &rec.StepName, &data, &loggedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan record: %w", err)
	}
	t, err := storage.ParseTime(loggedAt)
	if err != nil {
		return nil, fmt.Errorf("parse logged_at: %w", err)
	}
	rec.LoggedAt = t
	rec.Data = []byte(data)
	return &rec, nil
}

var (
	_ Log    = (*SQLiteLog)(nil)
	_ Sealer = (*SQLiteLog)(nil)
	_ Pinger = (*SQLiteLog)(nil)
)
