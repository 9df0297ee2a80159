package timeline

import (
	"sort"
	"time"

	"github.com/ignite/cohort-estimator/internal/domain"
	"github.com/ignite/cohort-estimator/internal/pkg/money"
)

// Rollup accumulates pair timelines into per-entity-per-day rows. Every
// field it keeps is additive, so rollups built from separate partitions
// merge into the same result regardless of order.
type Rollup struct {
	rows map[domain.RollupKey]*domain.RollupRow
}

// NewRollup returns an empty accumulator.
func NewRollup() *Rollup {
	return &Rollup{rows: make(map[domain.RollupKey]*domain.RollupRow)}
}

func (r *Rollup) row(entityID string, date time.Time) *domain.RollupRow {
	k := domain.RollupKey{EntityID: entityID, Date: date}
	row, ok := r.rows[k]
	if !ok {
		row = &domain.RollupRow{EntityID: entityID, Date: date, AccuracyCounts: make(map[domain.AccuracyScore]int)}
		r.rows[k] = row
	}
	return row
}

// Add folds one pair's timeline into the entity's rows.
func (r *Rollup) Add(entityID string, tl Timeline) {
	for _, pt := range tl.Points {
		row := r.row(entityID, pt.Date)
		row.Daily = row.Daily.Add(pt.Daily)
		row.Cumulative = row.Cumulative.Add(pt.Cumulative)
		row.EstimatedRevenue = money.Sum(row.EstimatedRevenue, pt.EstimatedRevenue)
		row.ProjectedRevenueNet = money.Sum(row.ProjectedRevenueNet, pt.Projected)
		row.PairCount++
		if pt.Status.Estimated() {
			row.EstimatedPairs++
		} else {
			row.ActualPairs++
		}
		row.AccuracyCounts[tl.Pair.AccuracyScore]++
	}
}

// AddRows merges previously materialized partial rows, e.g. a persisted
// partition result.
func (r *Rollup) AddRows(rows []domain.RollupRow) {
	for _, in := range rows {
		row := r.row(in.EntityID, domain.Day(in.Date))
		row.Daily = row.Daily.Add(in.Daily)
		row.Cumulative = row.Cumulative.Add(in.Cumulative)
		row.EstimatedRevenue = money.Sum(row.EstimatedRevenue, in.EstimatedRevenue)
		row.ProjectedRevenueNet = money.Sum(row.ProjectedRevenueNet, in.ProjectedRevenueNet)
		row.PairCount += in.PairCount
		row.EstimatedPairs += in.EstimatedPairs
		row.ActualPairs += in.ActualPairs
		for s, n := range in.AccuracyCounts {
			row.AccuracyCounts[s] += n
		}
	}
}

// Merge adds every row of o into r.
func (r *Rollup) Merge(o *Rollup) {
	r.AddRows(o.Rows(""))
}

// Len returns the number of (entity, day) rows.
func (r *Rollup) Len() int { return len(r.rows) }

// Rows returns the accumulated rows stamped with runID, ordered by entity
// then date.
func (r *Rollup) Rows(runID string) []domain.RollupRow {
	out := make([]domain.RollupRow, 0, len(r.rows))
	for _, row := range r.rows {
		cp := *row
		cp.RunID = runID
		cp.AccuracyCounts = make(map[domain.AccuracyScore]int, len(row.AccuracyCounts))
		for s, n := range row.AccuracyCounts {
			cp.AccuracyCounts[s] = n
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out
}

// ByEntity splits sorted rows into per-entity series, preserving date
// order.
func ByEntity(rows []domain.RollupRow) map[string][]domain.RollupRow {
	out := make(map[string][]domain.RollupRow)
	for _, row := range rows {
		out[row.EntityID] = append(out[row.EntityID], row)
	}
	return out
}
