// Package accuracy attaches confidence labels to resolved rates and
// computes reporting-only accuracy ratios against the ad-delivery feed.
// Nothing in this package changes an estimate.
package accuracy

import (
	"time"

	"github.com/ignite/cohort-estimator/internal/domain"
	"github.com/ignite/cohort-estimator/internal/pkg/money"
)

// ForLevel maps a hierarchy level to its label. Level 5 keeps all six
// dimensions; levels 4, 3 and 2 keep store with progressively fewer
// dimensions. Levels 1 and 0 have pooled stores and are labelled low; the
// exact level stays on the pair as ResolvedLevel.
func ForLevel(level int) domain.AccuracyScore {
	switch {
	case level == domain.MaxLevel:
		return domain.AccuracyVeryHigh
	case level == 4:
		return domain.AccuracyHigh
	case level == 3:
		return domain.AccuracyMedium
	case level >= 0 && level <= 2:
		return domain.AccuracyLow
	default:
		return domain.AccuracyDefault
	}
}

// Rank orders labels from least (0) to most (4) confident.
func Rank(s domain.AccuracyScore) int {
	switch s {
	case domain.AccuracyVeryHigh:
		return 4
	case domain.AccuracyHigh:
		return 3
	case domain.AccuracyMedium:
		return 2
	case domain.AccuracyLow:
		return 1
	default:
		return 0
	}
}

// Attach copies the resolution's label, level and rates onto the pair.
func Attach(p *domain.UserProductPair, r domain.Resolution) {
	p.AccuracyScore = r.Accuracy
	p.ResolvedLevel = r.Level
	p.RateSet = r.Rates
	p.RatesRunID = r.RunID
}

// ScoreSeries fills delivery data and ratios for one entity's rows, which
// must be sorted by date. Count accuracy compares same-day figures; cost
// and ROAS ratios use cumulative spend against cumulative revenue.
func ScoreSeries(rows []domain.RollupRow, delivery map[time.Time]domain.DeliveryStats) {
	spend := 0.0
	for i := range rows {
		row := &rows[i]
		row.Delivery = nil
		var d domain.DeliveryStats
		if dd, ok := delivery[domain.Day(row.Date)]; ok {
			d = dd
			row.Delivery = &dd
		}
		spend = money.Sum(spend, d.Spend)
		row.CumulativeSpend = spend

		daily, cum := row.Daily, row.Cumulative
		row.Ratios = domain.AccuracyRatios{
			TrialAccuracy:    money.Ratio(float64(daily.TrialStarted), float64(d.ReportedTrialCount)),
			PurchaseAccuracy: money.Ratio(float64(daily.TrialConverted+daily.InitialPurchase), float64(d.ReportedPurchaseCount)),
			CostPerTrial:     money.Ratio(spend, float64(cum.TrialStarted)),
			CostPerPurchase:  money.Ratio(spend, float64(cum.TrialConverted+cum.InitialPurchase)),
			ROASActual:       money.Ratio(cum.RevenueNet, spend),
			ROASProjected:    money.Ratio(row.ProjectedRevenueNet, spend),
			CTR:              money.Ratio(float64(d.Clicks), float64(d.Impressions)),
		}
	}
}

// Summary counts pairs per label, for run reports and the introspection API.
func Summary(pairs []domain.UserProductPair) map[domain.AccuracyScore]int {
	out := make(map[domain.AccuracyScore]int, 5)
	for _, p := range pairs {
		out[p.AccuracyScore]++
	}
	return out
}
