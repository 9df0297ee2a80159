package domain

import (
	"time"

	"github.com/ignite/cohort-estimator/internal/pkg/money"
)

// Metrics is one set of lifecycle counters and money totals. It is used
// both for daily increments and for cumulative totals.
type Metrics struct {
	TrialStarted          int     `json:"trial_started"`
	TrialPending          int     `json:"trial_pending"`
	TrialEnded            int     `json:"trial_ended"`
	TrialCancelled        int     `json:"trial_cancelled"`
	TrialConverted        int     `json:"trial_converted"`
	InitialPurchase       int     `json:"initial_purchase"`
	SubscriptionCancelled int     `json:"subscription_cancelled"`
	RefundCount           int     `json:"refund_count"`
	Revenue               float64 `json:"revenue"`
	Refund                float64 `json:"refund"`
	RevenueNet            float64 `json:"revenue_net"`
}

// Add returns the element-wise sum of m and o. Money fields are added
// through the money package.
func (m Metrics) Add(o Metrics) Metrics {
	return Metrics{
		TrialStarted:          m.TrialStarted + o.TrialStarted,
		TrialPending:          m.TrialPending + o.TrialPending,
		TrialEnded:            m.TrialEnded + o.TrialEnded,
		TrialCancelled:        m.TrialCancelled + o.TrialCancelled,
		TrialConverted:        m.TrialConverted + o.TrialConverted,
		InitialPurchase:       m.InitialPurchase + o.InitialPurchase,
		SubscriptionCancelled: m.SubscriptionCancelled + o.SubscriptionCancelled,
		RefundCount:           m.RefundCount + o.RefundCount,
		Revenue:               money.Sum(m.Revenue, o.Revenue),
		Refund:                money.Sum(m.Refund, o.Refund),
		RevenueNet:            money.Sum(m.RevenueNet, o.RevenueNet),
	}
}

// DeliveryStats is the externally reported ad-delivery data for one
// rollup entity and day.
type DeliveryStats struct {
	EntityID              string    `json:"entity_id" db:"entity_id"`
	Date                  time.Time `json:"date" db:"date"`
	Spend                 float64   `json:"spend" db:"spend"`
	Impressions           int64     `json:"impressions" db:"impressions"`
	Clicks                int64     `json:"clicks" db:"clicks"`
	ReportedTrialCount    int64     `json:"reported_trial_count" db:"reported_trial_count"`
	ReportedPurchaseCount int64     `json:"reported_purchase_count" db:"reported_purchase_count"`
}

// AccuracyRatios compare internal counts with the delivery feed. They are
// informational only.
type AccuracyRatios struct {
	TrialAccuracy    float64 `json:"trial_accuracy"`
	PurchaseAccuracy float64 `json:"purchase_accuracy"`
	CostPerTrial     float64 `json:"cost_per_trial"`
	CostPerPurchase  float64 `json:"cost_per_purchase"`
	ROASActual       float64 `json:"roas_actual"`
	ROASProjected    float64 `json:"roas_projected"`
	CTR              float64 `json:"ctr"`
}

// RollupRow is the per-entity-per-day reporting record.
type RollupRow struct {
	RunID               string                `json:"run_id"`
	EntityID            string                `json:"entity_id"`
	Date                time.Time             `json:"date"`
	Daily               Metrics               `json:"daily"`
	Cumulative          Metrics               `json:"cumulative"`
	EstimatedRevenue    float64               `json:"estimated_revenue"`
	ProjectedRevenueNet float64               `json:"projected_revenue_net"`
	PairCount           int                   `json:"pair_count"`
	EstimatedPairs      int                   `json:"estimated_pairs"`
	ActualPairs         int                   `json:"actual_pairs"`
	AccuracyCounts      map[AccuracyScore]int `json:"accuracy_counts"`
	Delivery            *DeliveryStats        `json:"delivery,omitempty"`
	CumulativeSpend     float64               `json:"cumulative_spend"`
	Ratios              AccuracyRatios        `json:"ratios"`
}

// RollupKey identifies a rollup row within a run.
type RollupKey struct {
	EntityID string
	Date     time.Time
}
