package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/cohort-estimator/internal/domain"
	"github.com/ignite/cohort-estimator/internal/store"
)

func (r *StoreRepo) CreateRun(ctx context.Context, run domain.Run) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO estimator_runs (id, as_of, status, started_at, error)
		VALUES ($1, $2, $3, $4, '')
	`, run.ID, run.AsOf, run.Status, run.StartedAt)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (r *StoreRepo) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	run := &domain.Run{}
	var completed sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, as_of, status, started_at, completed_at, error
		FROM estimator_runs
		WHERE id = $1
	`, id).Scan(&run.ID, &run.AsOf, &run.Status, &run.StartedAt, &completed, &run.Error)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if completed.Valid {
		t := completed.Time.UTC()
		run.CompletedAt = &t
	}
	run.AsOf = run.AsOf.UTC()
	run.StartedAt = run.StartedAt.UTC()
	return run, nil
}

func (r *StoreRepo) LatestRun(ctx context.Context, status domain.RunStatus) (*domain.Run, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `
		SELECT id FROM estimator_runs
		WHERE status = $1
		ORDER BY started_at DESC, id
		LIMIT 1
	`, status).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest run: %w", err)
	}
	return r.GetRun(ctx, id)
}

func (r *StoreRepo) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, as_of, status, started_at, completed_at, error
		FROM estimator_runs
		ORDER BY started_at DESC, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []domain.Run
	for rows.Next() {
		var run domain.Run
		var completed sql.NullTime
		if err := rows.Scan(&run.ID, &run.AsOf, &run.Status, &run.StartedAt, &completed, &run.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if completed.Valid {
			t := completed.Time.UTC()
			run.CompletedAt = &t
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (r *StoreRepo) FinishRun(ctx context.Context, id string, status domain.RunStatus, errMsg string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE estimator_runs SET status = $2, error = $3, completed_at = $4
		WHERE id = $1
	`, id, status, errMsg, at)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *StoreRepo) ReopenRun(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE estimator_runs SET status = $2, error = '', completed_at = NULL
		WHERE id = $1
	`, id, domain.RunRunning)
	if err != nil {
		return fmt.Errorf("reopen run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *StoreRepo) Done(ctx context.Context, runID string, stage domain.Stage, partition string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM stage_checkpoints WHERE run_id = $1 AND stage = $2 AND partition_key = $3)`,
		runID, stage, partition,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check checkpoint: %w", err)
	}
	return exists, nil
}

func (r *StoreRepo) MarkDone(ctx context.Context, runID string, stage domain.Stage, partition string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO stage_checkpoints (run_id, stage, partition_key, completed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (run_id, stage, partition_key) DO NOTHING
	`, runID, stage, partition)
	if err != nil {
		return fmt.Errorf("mark checkpoint: %w", err)
	}
	return nil
}
