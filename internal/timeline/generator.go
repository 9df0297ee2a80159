// Package timeline replays each pair's events day by day, producing daily
// and cumulative lifecycle counters, the actual money received, and the
// projected revenue for pairs whose outcome is still open.
package timeline

import (
	"math"
	"time"

	"github.com/ignite/cohort-estimator/internal/domain"
	"github.com/ignite/cohort-estimator/internal/lifecycle"
	"github.com/ignite/cohort-estimator/internal/pkg/money"
)

// Input is one pair with its resolved rates and raw events. A zero
// RepresentativePrice (bucket 0) falls back to the price the pair actually
// paid, once it has paid.
type Input struct {
	Pair                domain.UserProductPair
	Events              []domain.ConversionEvent
	RepresentativePrice float64
}

// Point is one day of a pair's timeline. Daily holds that day's
// increments, Cumulative the totals through the end of that day.
type Point struct {
	Date             time.Time              `json:"date"`
	Daily            domain.Metrics         `json:"daily"`
	Cumulative       domain.Metrics         `json:"cumulative"`
	Status           domain.LifecycleStatus `json:"status"`
	EstimatedRevenue float64                `json:"estimated_revenue"`
	Projected        float64                `json:"projected_revenue_net"`
}

// Timeline is the dense day series for one pair from its first event day
// through the as-of day.
type Timeline struct {
	Pair   domain.UserProductPair `json:"pair"`
	Points []Point                `json:"points"`
}

// Last returns the final point, or a zero point for an empty timeline.
func (t Timeline) Last() Point {
	if len(t.Points) == 0 {
		return Point{Status: domain.StatusNone}
	}
	return t.Points[len(t.Points)-1]
}

// Estimate projects the pair's eventual revenue from its current status.
// Only open statuses produce an estimate; everything else is settled by
// actual events.
func Estimate(status domain.LifecycleStatus, price float64, r domain.RateSet) float64 {
	switch status {
	case domain.StatusTrialPending:
		return money.Mul(price, r.TrialConversionRate, 1-r.TrialConvertedToRefundRate)
	case domain.StatusInitialPurchase:
		return money.Mul(price, 1-r.InitialPurchaseToRefundRate)
	default:
		return 0
	}
}

// Generate builds the timeline and settles the pair's current value. Events
// after the as-of day are ignored so a pinned run is reproducible.
func Generate(in Input, asOf time.Time) Timeline {
	pair := in.Pair
	end := domain.Day(asOf)

	evs := make([]domain.ConversionEvent, 0, len(in.Events))
	for _, ev := range in.Events {
		if !domain.Day(ev.EventTime).After(end) {
			evs = append(evs, ev)
		}
	}
	domain.SortEvents(evs)

	tl := Timeline{}
	m := lifecycle.New()
	var cum domain.Metrics
	next := 0
	price := in.RepresentativePrice

	if len(evs) > 0 {
		for day := domain.Day(evs[0].EventTime); !day.After(end); day = day.AddDate(0, 0, 1) {
			var daily domain.Metrics
			for next < len(evs) && domain.Day(evs[next].EventTime).Equal(day) {
				eff := m.Apply(evs[next])
				if price <= 0 && (eff.InitialPurchase || eff.TrialConverted) {
					price = math.Abs(eff.Event.RevenueAmount)
				}
				daily = daily.Add(count(eff))
				next++
			}
			cum = cum.Add(daily)

			status := m.Status()
			est := Estimate(status, price, pair.RateSet)
			projected := cum.RevenueNet
			if status.Estimated() {
				projected = est
			}
			tl.Points = append(tl.Points, Point{
				Date:             day,
				Daily:            daily,
				Cumulative:       cum,
				Status:           status,
				EstimatedRevenue: est,
				Projected:        projected,
			})
		}
	}

	last := tl.Last()
	pair.CurrentStatus = last.Status
	if last.Status.Estimated() {
		pair.CurrentValue = last.EstimatedRevenue
		pair.ValueStatus = domain.ValueEstimated
	} else {
		pair.CurrentValue = last.Cumulative.RevenueNet
		pair.ValueStatus = domain.ValueActual
	}
	pair.LastUpdated = asOf
	tl.Pair = pair
	return tl
}

// count turns one lifecycle effect into counter increments. Pending is a
// net change: +1 when a trial starts and -1 when it ends.
func count(e lifecycle.Effect) domain.Metrics {
	var d domain.Metrics
	if e.TrialStarted {
		d.TrialStarted = 1
		d.TrialPending = 1
	}
	if e.TrialEnded() && e.From == domain.StatusTrialPending {
		d.TrialEnded = 1
		d.TrialPending = -1
	}
	if e.TrialCancelled {
		d.TrialCancelled = 1
	}
	if e.TrialConverted {
		d.TrialConverted = 1
	}
	if e.InitialPurchase {
		d.InitialPurchase = 1
	}
	if e.SubscriptionCancelled {
		d.SubscriptionCancelled = 1
	}

	switch e.Event.EventName {
	case domain.EventTrialConverted, domain.EventInitialPurchase:
		d.Revenue = money.Round(e.Event.RevenueAmount)
	case domain.EventRefund:
		d.RefundCount = 1
		d.Refund = money.Round(math.Abs(e.Event.RevenueAmount))
	}
	d.RevenueNet = money.Sum(d.Revenue, -d.Refund)
	return d
}
