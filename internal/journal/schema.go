package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"
)

//go:embed sql/*.sql
var schemaFS embed.FS

var (
	// ErrSchemaTooNew is returned when the journal was written by a newer
	// version of the tools.
	ErrSchemaTooNew  = errors.New("journal schema is newer than this binary")
	ErrBadSchemaFile = errors.New("invalid journal schema file")
)

// schemaStep is one embedded file, named <version>_<name>.sql.
type schemaStep struct {
	version int
	name    string
	stmts   string
}

// AppliedStep is a schema file recorded as applied to a journal.
type AppliedStep struct {
	Version   int
	Name      string
	AppliedAt string
}

func schemaSteps() ([]schemaStep, error) {
	entries, err := fs.ReadDir(schemaFS, "sql")
	if err != nil {
		return nil, err
	}
	var steps []schemaStep
	for _, entry := range entries {
		file := entry.Name()
		if entry.IsDir() || path.Ext(file) != ".sql" {
			continue
		}
		prefix, _, ok := strings.Cut(file, "_")
		version, err := strconv.Atoi(prefix)
		if !ok || err != nil || version <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrBadSchemaFile, file)
		}
		stmts, err := schemaFS.ReadFile("sql/" + file)
		if err != nil {
			return nil, err
		}
		steps = append(steps, schemaStep{version: version, name: strings.TrimSuffix(file, ".sql"), stmts: string(stmts)})
	}
	slices.SortFunc(steps, func(a, b schemaStep) int { return a.version - b.version })
	for i := 1; i < len(steps); i++ {
		if steps[i].version == steps[i-1].version {
			return nil, fmt.Errorf("%w: version %d used twice", ErrBadSchemaFile, steps[i].version)
		}
	}
	return steps, nil
}

// Version returns the schema version stored in the database header.
func Version(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v)
	return v, err
}

// Migrate brings the journal schema up to date. Each file is applied in its
// own transaction together with the user_version bump and a schema_log row.
func Migrate(ctx context.Context, db *sql.DB) error {
	steps, err := schemaSteps()
	if err != nil {
		return err
	}
	current, err := Version(ctx, db)
	if err != nil {
		return fmt.Errorf("read journal version: %w", err)
	}
	if latest := len(steps); latest > 0 && current > steps[latest-1].version {
		return fmt.Errorf("%w: version %d, known up to %d", ErrSchemaTooNew, current, steps[latest-1].version)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_log(
  version INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  applied_at TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("create schema_log: %w", err)
	}
	for _, step := range steps {
		if step.version <= current {
			continue
		}
		if err := applyStep(ctx, db, step); err != nil {
			return fmt.Errorf("journal schema %s: %w", step.name, err)
		}
	}
	return nil
}

func applyStep(ctx context.Context, db *sql.DB, step schemaStep) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, step.stmts); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_log(version, name, applied_at) VALUES (?, ?, ?)`,
		step.version, step.name, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	// PRAGMA does not take bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, step.version)); err != nil {
		return err
	}
	return tx.Commit()
}

// Applied lists the schema files applied to the journal, oldest first.
func Applied(ctx context.Context, db *sql.DB) ([]AppliedStep, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, name, applied_at FROM schema_log ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AppliedStep
	for rows.Next() {
		var s AppliedStep
		if err := rows.Scan(&s.Version, &s.Name, &s.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
