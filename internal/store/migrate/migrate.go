// Package migrate applies embedded SQL migrations in file name order.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// Dialect holds the few statements that differ between backends.
type Dialect struct {
	// CreateTable creates the bookkeeping table if it does not exist.
	CreateTable string
	// Applied selects one row when the version given as the only argument is applied.
	Applied string
	// Record inserts the version given as the only argument.
	Record string
}

// Run executes every *.sql file under dir in fsys that has not been recorded
// yet. Each file runs in its own transaction together with its bookkeeping
// row. It returns the names of the files it applied.
func Run(ctx context.Context, db *sql.DB, d Dialect, fsys fs.FS, dir string) ([]string, error) {
	if _, err := db.ExecContext(ctx, d.CreateTable); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	// 001_..., 002_..., etc.
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var applied []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(e.Name(), ".sql")

		done, err := isApplied(ctx, db, d, version)
		if err != nil {
			return applied, err
		}
		if done {
			continue
		}

		sqlBytes, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return applied, err
		}
		if err := apply(ctx, db, d, version, string(sqlBytes)); err != nil {
			return applied, fmt.Errorf("migration %s: %w", e.Name(), err)
		}
		applied = append(applied, e.Name())
	}
	return applied, nil
}

func isApplied(ctx context.Context, db *sql.DB, d Dialect, version string) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx, d.Applied, version).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func apply(ctx context.Context, db *sql.DB, d Dialect, version, stmt string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, d.Record, version); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
