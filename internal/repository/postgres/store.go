package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/cohort-estimator/internal/store"
)

// StoreRepo implements store.Store against PostgreSQL.
type StoreRepo struct{ db *sql.DB }

// NewStoreRepo creates a Postgres-backed estimator store.
func NewStoreRepo(db *sql.DB) *StoreRepo { return &StoreRepo{db: db} }

var _ store.Store = (*StoreRepo)(nil)

// DB exposes the handle for advisory locks.
func (r *StoreRepo) DB() *sql.DB { return r.db }

// inTx runs fn in a transaction, committing on success.
func (r *StoreRepo) inTx(ctx context.Context, what string, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", what, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("%s: %w", what, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", what, err)
	}
	return nil
}
