// Package journal keeps a local SQLite record of the runs performed by the
// tools and of every write they issued or would have issued.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	// DefaultDir is created in the working directory.
	DefaultDir    = ".ecospheres"
	defaultDBName = "journal.db"
)

func dbPath(dir string) string {
	if dir == "" {
		dir = DefaultDir
	}
	return filepath.Join(dir, defaultDBName)
}

// EnsureDir creates the journal directory if missing.
func EnsureDir(dir string) (string, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens the journal database in dir with foreign keys on and applies
// pending migrations.
func Open(ctx context.Context, dir string) (*sql.DB, error) {
	if _, err := EnsureDir(dir); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath(dir))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Path returns the database path for dir.
func Path(dir string) string {
	return dbPath(dir)
}
