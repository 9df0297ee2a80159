package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lib/pq"
)

// estimatorTables are the tables the migrations own, for --list.
var estimatorTables = []string{
	"conversion_events", "user_dimensions", "pair_attribution", "delivery_stats",
	"estimator_runs", "stage_checkpoints",
	"price_buckets", "user_product_pairs", "segment_resolutions", "segment_nodes", "segment_validation_errors",
	"rollup_partials", "entity_rollups",
}

const ledgerDDL = `CREATE TABLE IF NOT EXISTS schema_migrations (
	filename   TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// migrationFiles returns the non-empty .sql files in dir, in name order.
func migrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func appliedMigrations(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	if _, err := db.ExecContext(ctx, ledgerDDL); err != nil {
		return nil, fmt.Errorf("create migration ledger: %w", err)
	}
	rows, err := db.QueryContext(ctx, `SELECT filename FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read migration ledger: %w", err)
	}
	defer rows.Close()
	done := make(map[string]bool)
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		done[f] = true
	}
	return done, rows.Err()
}

// migrate applies every pending file in its own transaction, recording it
// in schema_migrations. Later files depend on earlier ones, so the first
// failure stops the run.
func migrate(ctx context.Context, db *sql.DB, dir string) (applied []string, err error) {
	files, err := migrationFiles(dir)
	if err != nil {
		return nil, err
	}
	done, err := appliedMigrations(ctx, db)
	if err != nil {
		return nil, err
	}

	for _, f := range files {
		if done[f] {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			return applied, fmt.Errorf("read %s: %w", f, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		if err := applyOne(ctx, db, f, string(data)); err != nil {
			return applied, err
		}
		applied = append(applied, f)
	}
	return applied, nil
}

func applyOne(ctx context.Context, db *sql.DB, name, content string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, content); err != nil {
		return fmt.Errorf("apply %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, name); err != nil {
		return fmt.Errorf("record %s: %w", name, err)
	}
	return tx.Commit()
}

// presentTables reports which estimator tables exist in the public schema.
func presentTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT tablename FROM pg_tables WHERE schemaname = 'public' AND tablename = ANY($1) ORDER BY tablename`,
		pq.Array(estimatorTables))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
