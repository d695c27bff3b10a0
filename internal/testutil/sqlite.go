package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/flexinfer/mentatlab/services/flowtrack/internal/storage"
)

// SQLiteDB opens a fresh SQLite database in a temp directory.
func SQLiteDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "flowtrack.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
