package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/cohort-estimator/internal/domain"
	"github.com/lib/pq"
)

func (r *StoreRepo) ListProducts(ctx context.Context, asOf time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT product_id
		FROM conversion_events
		WHERE event_time <= $1
		ORDER BY product_id
	`, asOf)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *StoreRepo) LoadEvents(ctx context.Context, productID string, asOf time.Time) ([]domain.ConversionEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_id, distinct_id, product_id, event_name, event_time,
		       revenue_amount, currency, country, region, store
		FROM conversion_events
		WHERE product_id = $1 AND event_time <= $2
		ORDER BY event_time, event_id
	`, productID, asOf)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var out []domain.ConversionEvent
	for rows.Next() {
		var e domain.ConversionEvent
		if err := rows.Scan(
			&e.EventID, &e.DistinctID, &e.ProductID, &e.EventName, &e.EventTime,
			&e.RevenueAmount, &e.Currency, &e.Country, &e.Region, &e.Store,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.EventTime = e.EventTime.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *StoreRepo) LoadUserDimensions(ctx context.Context, distinctIDs []string) (map[string]domain.UserDimensions, error) {
	out := make(map[string]domain.UserDimensions, len(distinctIDs))
	if len(distinctIDs) == 0 {
		return out, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT distinct_id, country, region, economic_tier, store
		FROM user_dimensions
		WHERE distinct_id = ANY($1)
	`, pq.Array(distinctIDs))
	if err != nil {
		return nil, fmt.Errorf("load user dimensions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d domain.UserDimensions
		if err := rows.Scan(&d.DistinctID, &d.Country, &d.Region, &d.EconomicTier, &d.Store); err != nil {
			return nil, fmt.Errorf("scan user dimensions: %w", err)
		}
		out[d.DistinctID] = d
	}
	return out, rows.Err()
}

func (r *StoreRepo) LoadAttribution(ctx context.Context, productID string) ([]domain.Attribution, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT distinct_id, product_id, entity_id
		FROM pair_attribution
		WHERE product_id = $1
		ORDER BY distinct_id
	`, productID)
	if err != nil {
		return nil, fmt.Errorf("load attribution: %w", err)
	}
	defer rows.Close()

	var out []domain.Attribution
	for rows.Next() {
		var a domain.Attribution
		if err := rows.Scan(&a.DistinctID, &a.ProductID, &a.EntityID); err != nil {
			return nil, fmt.Errorf("scan attribution: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *StoreRepo) LoadDelivery(ctx context.Context, entityIDs []string) ([]domain.DeliveryStats, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT entity_id, date, spend, impressions, clicks,
		       reported_trial_count, reported_purchase_count
		FROM delivery_stats
		WHERE entity_id = ANY($1)
		ORDER BY entity_id, date
	`, pq.Array(entityIDs))
	if err != nil {
		return nil, fmt.Errorf("load delivery: %w", err)
	}
	defer rows.Close()

	var out []domain.DeliveryStats
	for rows.Next() {
		var d domain.DeliveryStats
		if err := rows.Scan(
			&d.EntityID, &d.Date, &d.Spend, &d.Impressions, &d.Clicks,
			&d.ReportedTrialCount, &d.ReportedPurchaseCount,
		); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.Date = domain.Day(d.Date)
		out = append(out, d)
	}
	return out, rows.Err()
}
