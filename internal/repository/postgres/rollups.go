package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ignite/cohort-estimator/internal/domain"
)

func (r *StoreRepo) SavePartialRollups(ctx context.Context, runID, partition string, rows []domain.RollupRow) error {
	data, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("encode partial rollups: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO rollup_partials (run_id, partition_key, rows)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id, partition_key) DO UPDATE SET rows = EXCLUDED.rows
	`, runID, partition, string(data))
	if err != nil {
		return fmt.Errorf("save partial rollups: %w", err)
	}
	return nil
}

func (r *StoreRepo) LoadPartialRollups(ctx context.Context, runID string) ([]domain.RollupRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT rows FROM rollup_partials WHERE run_id = $1 ORDER BY partition_key
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("load partial rollups: %w", err)
	}
	defer rows.Close()

	var out []domain.RollupRow
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan partial rollups: %w", err)
		}
		var part []domain.RollupRow
		if err := json.Unmarshal(data, &part); err != nil {
			return nil, fmt.Errorf("decode partial rollups: %w", err)
		}
		out = append(out, part...)
	}
	return out, rows.Err()
}

func (r *StoreRepo) SaveRollups(ctx context.Context, runID string, rows []domain.RollupRow) error {
	return r.inTx(ctx, "save rollups", func(tx *sql.Tx) error {
		for _, row := range rows {
			daily, cum, counts, delivery, ratios, err := encodeRollup(row)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO entity_rollups
					(run_id, entity_id, date, daily, cumulative, estimated_revenue, projected_revenue_net,
					 pair_count, estimated_pairs, actual_pairs, accuracy_counts, delivery, cumulative_spend, ratios)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
				ON CONFLICT (run_id, entity_id, date) DO UPDATE SET
					daily = EXCLUDED.daily,
					cumulative = EXCLUDED.cumulative,
					estimated_revenue = EXCLUDED.estimated_revenue,
					projected_revenue_net = EXCLUDED.projected_revenue_net,
					pair_count = EXCLUDED.pair_count,
					estimated_pairs = EXCLUDED.estimated_pairs,
					actual_pairs = EXCLUDED.actual_pairs,
					accuracy_counts = EXCLUDED.accuracy_counts,
					delivery = EXCLUDED.delivery,
					cumulative_spend = EXCLUDED.cumulative_spend,
					ratios = EXCLUDED.ratios
			`, runID, row.EntityID, row.Date, daily, cum, row.EstimatedRevenue, row.ProjectedRevenueNet,
				row.PairCount, row.EstimatedPairs, row.ActualPairs, counts, delivery, row.CumulativeSpend, ratios); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *StoreRepo) ListRollups(ctx context.Context, runID, entityID string) ([]domain.RollupRow, error) {
	q := `SELECT entity_id, date, daily, cumulative, estimated_revenue, projected_revenue_net,
		pair_count, estimated_pairs, actual_pairs, accuracy_counts, delivery, cumulative_spend, ratios
		FROM entity_rollups WHERE run_id = $1`
	args := []interface{}{runID}
	if entityID != "" {
		q += " AND entity_id = $2"
		args = append(args, entityID)
	}
	q += " ORDER BY entity_id, date"

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list rollups: %w", err)
	}
	defer rows.Close()

	var out []domain.RollupRow
	for rows.Next() {
		row := domain.RollupRow{RunID: runID}
		var daily, cum, counts, delivery, ratios []byte
		if err := rows.Scan(&row.EntityID, &row.Date, &daily, &cum, &row.EstimatedRevenue, &row.ProjectedRevenueNet,
			&row.PairCount, &row.EstimatedPairs, &row.ActualPairs, &counts, &delivery, &row.CumulativeSpend, &ratios); err != nil {
			return nil, fmt.Errorf("scan rollup: %w", err)
		}
		row.Date = domain.Day(row.Date)
		if err := decodeRollup(&row, daily, cum, counts, delivery, ratios); err != nil {
			return nil, fmt.Errorf("decode rollup %s/%s: %w", row.EntityID, row.Date.Format("2006-01-02"), err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// encodeRollup renders the JSONB columns as strings; lib/pq would send
// []byte as bytea. A missing delivery row becomes SQL NULL.
func encodeRollup(row domain.RollupRow) (daily, cum, counts string, delivery interface{}, ratios string, err error) {
	parts := []interface{}{row.Daily, row.Cumulative, row.AccuracyCounts, row.Ratios}
	out := make([]string, len(parts))
	for i, v := range parts {
		b, err := json.Marshal(v)
		if err != nil {
			return "", "", "", nil, "", err
		}
		out[i] = string(b)
	}
	if row.Delivery != nil {
		b, err := json.Marshal(row.Delivery)
		if err != nil {
			return "", "", "", nil, "", err
		}
		delivery = string(b)
	}
	return out[0], out[1], out[2], delivery, out[3], nil
}

func decodeRollup(row *domain.RollupRow, daily, cum, counts, delivery, ratios []byte) error {
	if err := json.Unmarshal(daily, &row.Daily); err != nil {
		return err
	}
	if err := json.Unmarshal(cum, &row.Cumulative); err != nil {
		return err
	}
	if err := json.Unmarshal(counts, &row.AccuracyCounts); err != nil {
		return err
	}
	if err := json.Unmarshal(ratios, &row.Ratios); err != nil {
		return err
	}
	if len(delivery) > 0 {
		var d domain.DeliveryStats
		if err := json.Unmarshal(delivery, &d); err != nil {
			return err
		}
		row.Delivery = &d
	}
	return nil
}
