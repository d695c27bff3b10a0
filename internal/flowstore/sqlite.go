package flowstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flexinfer/mentatlab/services/flowtrack/internal/storage"
	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

// SQLiteStore implements FlowStore on a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the flows table if needed.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS flows (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	fingerprint TEXT NOT NULL,
	graph       TEXT NOT NULL,
	metadata    TEXT,
	created_at  TEXT NOT NULL
);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init flows schema: %w", err)
	}
	return nil
}

// Create saves a new flow if its name is free.
func (s *SQLiteStore) Create(ctx context.Context, flow *types.Flow) (*types.Flow, bool, error) {
	if err := validate(flow); err != nil {
		return nil, false, err
	}

	graph, err := json.Marshal(flow.Graph)
	if err != nil {
		return nil, false, fmt.Errorf("marshal graph: %w", err)
	}
	var metadata []byte
	if flow.Metadata != nil {
		if metadata, err = json.Marshal(flow.Metadata); err != nil {
			return nil, false, fmt.Errorf("marshal metadata: %w", err)
		}
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO flows (id, name, description, fingerprint, graph, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(name) DO NOTHING`,
		flow.ID, flow.Name, flow.Description, flow.Fingerprint, string(graph), nullString(metadata),
		storage.FormatTime(flow.CreatedAt))
	if err != nil {
		return nil, false, fmt.Errorf("insert flow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert flow: %w", err)
	}
	if n == 0 {
		existing, err := s.GetByName(ctx, flow.Name)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return flow, true, nil
}

const selectFlow = `SELECT id, name, description, fingerprint, graph, metadata, created_at FROM flows`

// Get retrieves a flow by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*types.Flow, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, selectFlow+` WHERE id = ?`, id))
}

// GetByName retrieves a flow by name.
func (s *SQLiteStore) GetByName(ctx context.Context, name string) (*types.Flow, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, selectFlow+` WHERE name = ?`, name))
}

// List returns flows ordered by creation time.
func (s *SQLiteStore) List(ctx context.Context, opts *ListOptions) ([]*types.Flow, error) {
	limit, offset := -1, 0
	if opts != nil {
		if opts.Limit > 0 {
			limit = opts.Limit
		}
		offset = opts.Offset
	}
	rows, err := s.db.QueryContext(ctx, selectFlow+` ORDER BY created_at, name LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer rows.Close()

	flows := []*types.Flow{}
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op; the shared database is closed by its owner.
func (s *SQLiteStore) Close() error {
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanOne(row *sql.Row) (*types.Flow, error) {
	f, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFlowNotFound
	}
	return f, err
}

func scanFlow(row rowScanner) (*types.Flow, error) {
	var (
		f        types.Flow
		graph    string
		metadata sql.NullString
		created  string
	)
	if err := row.Scan(&f.ID, &f.Name, &f.Description, &f.Fingerprint, &graph, &metadata, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan flow: %w", err)
	}
	f.Graph = &types.Graph{}
	if err := json.Unmarshal([]byte(graph), f.Graph); err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &f.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	t, err := storage.ParseTime(created)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	f.CreatedAt = t
	return &f, nil
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

var _ FlowStore = (*SQLiteStore)(nil)
