package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/cohort-estimator/internal/domain"
	"github.com/ignite/cohort-estimator/internal/store"
	"github.com/lib/pq"
)

func (r *StoreRepo) SaveBuckets(ctx context.Context, runID string, buckets []domain.PriceBucket) error {
	return r.inTx(ctx, "save buckets", func(tx *sql.Tx) error {
		for _, b := range buckets {
			for _, c := range b.Clusters {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO price_buckets
						(run_id, country, product_id, event_type, bucket_id, representative_price, member_prices)
					VALUES ($1, $2, $3, $4, $5, $6, $7)
					ON CONFLICT (run_id, country, product_id, event_type, bucket_id) DO UPDATE
					SET representative_price = EXCLUDED.representative_price,
					    member_prices = EXCLUDED.member_prices
				`, runID, b.Key.Country, b.Key.ProductID, b.Key.EventType, c.BucketID,
					c.RepresentativePrice, pq.Array(c.MemberPrices)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (r *StoreRepo) LoadBuckets(ctx context.Context, runID, productID string) ([]domain.PriceBucket, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT country, product_id, event_type, bucket_id, representative_price, member_prices
		FROM price_buckets
		WHERE run_id = $1 AND product_id = $2
		ORDER BY country, event_type, bucket_id
	`, runID, productID)
	if err != nil {
		return nil, fmt.Errorf("load buckets: %w", err)
	}
	defer rows.Close()

	var out []domain.PriceBucket
	for rows.Next() {
		var k domain.BucketKey
		var c domain.Cluster
		var members pq.Float64Array
		if err := rows.Scan(&k.Country, &k.ProductID, &k.EventType, &c.BucketID, &c.RepresentativePrice, &members); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		c.MemberPrices = []float64(members)
		if n := len(out); n > 0 && out[n-1].Key == k {
			out[n-1].Clusters = append(out[n-1].Clusters, c)
			continue
		}
		out = append(out, domain.PriceBucket{Key: k, Clusters: []domain.Cluster{c}})
	}
	return out, rows.Err()
}

const pairColumns = `distinct_id, product_id, credited_date, country, region, store, economic_tier,
	price_bucket, bucket_event_type, assignment_type, current_status, current_value, value_status,
	accuracy_score, resolved_level, trial_conversion_rate, trial_converted_to_refund_rate,
	initial_purchase_to_refund_rate, rates_run_id, valid_lifecycle, last_updated_ts`

func (r *StoreRepo) SavePairs(ctx context.Context, runID string, pairs []domain.UserProductPair) error {
	return r.inTx(ctx, "save pairs", func(tx *sql.Tx) error {
		for _, p := range pairs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO user_product_pairs (run_id, `+pairColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
				ON CONFLICT (run_id, distinct_id, product_id) DO UPDATE SET
					credited_date = EXCLUDED.credited_date,
					country = EXCLUDED.country,
					region = EXCLUDED.region,
					store = EXCLUDED.store,
					economic_tier = EXCLUDED.economic_tier,
					price_bucket = EXCLUDED.price_bucket,
					bucket_event_type = EXCLUDED.bucket_event_type,
					assignment_type = EXCLUDED.assignment_type,
					current_status = EXCLUDED.current_status,
					current_value = EXCLUDED.current_value,
					value_status = EXCLUDED.value_status,
					accuracy_score = EXCLUDED.accuracy_score,
					resolved_level = EXCLUDED.resolved_level,
					trial_conversion_rate = EXCLUDED.trial_conversion_rate,
					trial_converted_to_refund_rate = EXCLUDED.trial_converted_to_refund_rate,
					initial_purchase_to_refund_rate = EXCLUDED.initial_purchase_to_refund_rate,
					rates_run_id = EXCLUDED.rates_run_id,
					valid_lifecycle = EXCLUDED.valid_lifecycle,
					last_updated_ts = EXCLUDED.last_updated_ts
			`, runID, p.DistinctID, p.ProductID, p.CreditedDate, p.Country, p.Region, p.Store, p.EconomicTier,
				p.PriceBucket, p.BucketEventType, p.AssignmentType, p.CurrentStatus, p.CurrentValue, p.ValueStatus,
				p.AccuracyScore, p.ResolvedLevel, p.TrialConversionRate, p.TrialConvertedToRefundRate,
				p.InitialPurchaseToRefundRate, p.RatesRunID, p.ValidLifecycle, p.LastUpdated); err != nil {
				return err
			}
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPair(s rowScanner) (domain.UserProductPair, error) {
	var p domain.UserProductPair
	err := s.Scan(
		&p.DistinctID, &p.ProductID, &p.CreditedDate, &p.Country, &p.Region, &p.Store, &p.EconomicTier,
		&p.PriceBucket, &p.BucketEventType, &p.AssignmentType, &p.CurrentStatus, &p.CurrentValue, &p.ValueStatus,
		&p.AccuracyScore, &p.ResolvedLevel, &p.TrialConversionRate, &p.TrialConvertedToRefundRate,
		&p.InitialPurchaseToRefundRate, &p.RatesRunID, &p.ValidLifecycle, &p.LastUpdated,
	)
	p.CreditedDate = domain.Day(p.CreditedDate)
	p.LastUpdated = p.LastUpdated.UTC()
	return p, err
}

// pairWhere builds the WHERE clause shared by LoadPairs and CountPairs and
// returns the next free placeholder index.
func pairWhere(runID string, f store.PairFilter) (string, []interface{}, int) {
	q := ` WHERE run_id = $1`
	args := []interface{}{runID}
	idx := 2
	if f.ProductID != "" {
		q += fmt.Sprintf(" AND product_id = $%d", idx)
		args = append(args, f.ProductID)
		idx++
	}
	if f.Country != "" {
		q += fmt.Sprintf(" AND country = $%d", idx)
		args = append(args, f.Country)
		idx++
	}
	return q, args, idx
}

func (r *StoreRepo) CountPairs(ctx context.Context, runID string, f store.PairFilter) (int, error) {
	where, args, _ := pairWhere(runID, f)
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_product_pairs`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pairs: %w", err)
	}
	return n, nil
}

func (r *StoreRepo) LoadPairs(ctx context.Context, runID string, f store.PairFilter) ([]domain.UserProductPair, error) {
	where, args, idx := pairWhere(runID, f)
	q := `SELECT ` + pairColumns + ` FROM user_product_pairs` + where + " ORDER BY product_id, distinct_id"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT $%d OFFSET $%d", idx, idx+1)
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("load pairs: %w", err)
	}
	defer rows.Close()

	var out []domain.UserProductPair
	for rows.Next() {
		p, err := scanPair(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pair: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *StoreRepo) GetPair(ctx context.Context, runID, distinctID, productID string) (*domain.UserProductPair, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+pairColumns+`
		FROM user_product_pairs
		WHERE run_id = $1 AND distinct_id = $2 AND product_id = $3
	`, runID, distinctID, productID)
	p, err := scanPair(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pair: %w", err)
	}
	return &p, nil
}

func (r *StoreRepo) SaveResolutions(ctx context.Context, runID string, res []domain.Resolution) error {
	return r.inTx(ctx, "save resolutions", func(tx *sql.Tx) error {
		for _, s := range res {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO segment_resolutions
					(run_id, tuple_key, product_id, resolved_key, level, cohort_user_count, accuracy_score,
					 trial_conversion_rate, trial_converted_to_refund_rate, initial_purchase_to_refund_rate)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (run_id, tuple_key) DO UPDATE SET
					resolved_key = EXCLUDED.resolved_key,
					level = EXCLUDED.level,
					cohort_user_count = EXCLUDED.cohort_user_count,
					accuracy_score = EXCLUDED.accuracy_score,
					trial_conversion_rate = EXCLUDED.trial_conversion_rate,
					trial_converted_to_refund_rate = EXCLUDED.trial_converted_to_refund_rate,
					initial_purchase_to_refund_rate = EXCLUDED.initial_purchase_to_refund_rate
			`, runID, s.TupleKey, s.ProductID, s.ResolvedKey, s.Level, s.CohortUserCount, s.Accuracy,
				s.Rates.TrialConversionRate, s.Rates.TrialConvertedToRefundRate, s.Rates.InitialPurchaseToRefundRate); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *StoreRepo) LoadResolutions(ctx context.Context, runID string) ([]domain.Resolution, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tuple_key, product_id, resolved_key, level, cohort_user_count, accuracy_score,
		       trial_conversion_rate, trial_converted_to_refund_rate, initial_purchase_to_refund_rate
		FROM segment_resolutions
		WHERE run_id = $1
		ORDER BY tuple_key
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("load resolutions: %w", err)
	}
	defer rows.Close()

	var out []domain.Resolution
	for rows.Next() {
		s := domain.Resolution{RunID: runID}
		if err := rows.Scan(&s.TupleKey, &s.ProductID, &s.ResolvedKey, &s.Level, &s.CohortUserCount, &s.Accuracy,
			&s.Rates.TrialConversionRate, &s.Rates.TrialConvertedToRefundRate, &s.Rates.InitialPurchaseToRefundRate); err != nil {
			return nil, fmt.Errorf("scan resolution: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *StoreRepo) SaveNodes(ctx context.Context, runID string, nodes []domain.SegmentNode) error {
	return r.inTx(ctx, "save segment nodes", func(tx *sql.Tx) error {
		for _, n := range nodes {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO segment_nodes
					(run_id, node_key, level, product_id, cohort_user_count, total_user_count,
					 trial_started_count, trial_converted_count, refunds_after_conversion_count,
					 initial_purchase_count, refunds_after_initial_count, is_viable, rates_consistent,
					 trial_conversion_rate, trial_converted_to_refund_rate, initial_purchase_to_refund_rate)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
				ON CONFLICT (run_id, node_key) DO UPDATE SET
					cohort_user_count = EXCLUDED.cohort_user_count,
					total_user_count = EXCLUDED.total_user_count,
					trial_started_count = EXCLUDED.trial_started_count,
					trial_converted_count = EXCLUDED.trial_converted_count,
					refunds_after_conversion_count = EXCLUDED.refunds_after_conversion_count,
					initial_purchase_count = EXCLUDED.initial_purchase_count,
					refunds_after_initial_count = EXCLUDED.refunds_after_initial_count,
					is_viable = EXCLUDED.is_viable,
					rates_consistent = EXCLUDED.rates_consistent,
					trial_conversion_rate = EXCLUDED.trial_conversion_rate,
					trial_converted_to_refund_rate = EXCLUDED.trial_converted_to_refund_rate,
					initial_purchase_to_refund_rate = EXCLUDED.initial_purchase_to_refund_rate
			`, runID, n.Key, n.Level, n.ProductID, n.CohortUserCount, n.TotalUserCount,
				n.TrialStarted, n.TrialConverted, n.RefundAfterConv, n.InitialPurchase, n.RefundAfterInit,
				n.IsViable, n.RatesConsistent,
				n.Rates.TrialConversionRate, n.Rates.TrialConvertedToRefundRate, n.Rates.InitialPurchaseToRefundRate); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *StoreRepo) ListNodes(ctx context.Context, runID string, f store.NodeFilter) ([]domain.SegmentNode, int, error) {
	where := " WHERE run_id = $1"
	args := []interface{}{runID}
	idx := 2
	if f.ProductID != "" {
		where += fmt.Sprintf(" AND product_id = $%d", idx)
		args = append(args, f.ProductID)
		idx++
	}
	if f.Level != nil {
		where += fmt.Sprintf(" AND level = $%d", idx)
		args = append(args, *f.Level)
		idx++
	}
	if f.ViableOnly {
		where += " AND is_viable"
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM segment_nodes`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count segment nodes: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT node_key, level, product_id, cohort_user_count, total_user_count,
		trial_started_count, trial_converted_count, refunds_after_conversion_count,
		initial_purchase_count, refunds_after_initial_count, is_viable, rates_consistent,
		trial_conversion_rate, trial_converted_to_refund_rate, initial_purchase_to_refund_rate
		FROM segment_nodes` + where + fmt.Sprintf(" ORDER BY level, node_key LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list segment nodes: %w", err)
	}
	defer rows.Close()

	var out []domain.SegmentNode
	for rows.Next() {
		n := domain.SegmentNode{RunID: runID}
		if err := rows.Scan(&n.Key, &n.Level, &n.ProductID, &n.CohortUserCount, &n.TotalUserCount,
			&n.TrialStarted, &n.TrialConverted, &n.RefundAfterConv, &n.InitialPurchase, &n.RefundAfterInit,
			&n.IsViable, &n.RatesConsistent,
			&n.Rates.TrialConversionRate, &n.Rates.TrialConvertedToRefundRate, &n.Rates.InitialPurchaseToRefundRate); err != nil {
			return nil, 0, fmt.Errorf("scan segment node: %w", err)
		}
		out = append(out, n)
	}
	return out, total, rows.Err()
}

func (r *StoreRepo) SaveValidationErrors(ctx context.Context, runID string, errs []domain.ValidationError) error {
	return r.inTx(ctx, "save validation errors", func(tx *sql.Tx) error {
		for _, e := range errs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO segment_validation_errors (run_id, path, distinct_ids, message)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (run_id, path) DO UPDATE
				SET distinct_ids = EXCLUDED.distinct_ids, message = EXCLUDED.message
			`, runID, e.Path, pq.Array(e.DistinctIDs), e.Message); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *StoreRepo) ListValidationErrors(ctx context.Context, runID string) ([]domain.ValidationError, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT path, distinct_ids, message
		FROM segment_validation_errors
		WHERE run_id = $1
		ORDER BY path
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list validation errors: %w", err)
	}
	defer rows.Close()

	var out []domain.ValidationError
	for rows.Next() {
		e := domain.ValidationError{RunID: runID}
		var ids pq.StringArray
		if err := rows.Scan(&e.Path, &ids, &e.Message); err != nil {
			return nil, fmt.Errorf("scan validation error: %w", err)
		}
		e.DistinctIDs = []string(ids)
		out = append(out, e)
	}
	return out, rows.Err()
}
