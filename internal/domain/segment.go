package domain

import (
	"strconv"
	"strings"
)

// RateSet holds the three lifecycle rates resolved for a segment.
type RateSet struct {
	TrialConversionRate         float64 `json:"trial_conversion_rate" db:"trial_conversion_rate"`
	TrialConvertedToRefundRate  float64 `json:"trial_converted_to_refund_rate" db:"trial_converted_to_refund_rate"`
	InitialPurchaseToRefundRate float64 `json:"initial_purchase_to_refund_rate" db:"initial_purchase_to_refund_rate"`
}

// Dimension names a segment property.
type Dimension string

const (
	DimProductID    Dimension = "product_id"
	DimPriceBucket  Dimension = "price_bucket"
	DimStore        Dimension = "store"
	DimEconomicTier Dimension = "economic_tier"
	DimCountry      Dimension = "country"
	DimRegion       Dimension = "region"
)

// Dimensions is the fixed order used to build prefix keys. Level n keeps
// the first n+1 entries, so region is relaxed first and product_id last.
var Dimensions = []Dimension{DimProductID, DimPriceBucket, DimStore, DimEconomicTier, DimCountry, DimRegion}

// MaxLevel is the full-specificity level (all six dimensions).
const MaxLevel = 5

// GlobalLevel marks a resolution that fell through to the global default.
const GlobalLevel = -1

// SegmentTuple is the full set of dimension values for a pair.
type SegmentTuple struct {
	ProductID    string `json:"product_id"`
	PriceBucket  int    `json:"price_bucket"`
	Store        string `json:"store"`
	EconomicTier string `json:"economic_tier"`
	Country      string `json:"country"`
	Region       string `json:"region"`
}

func (t SegmentTuple) values() []string {
	return []string{t.ProductID, strconv.Itoa(t.PriceBucket), t.Store, t.EconomicTier, t.Country, t.Region}
}

// Prefix returns the segment key for the given level, e.g.
// "product_id=pro|price_bucket=2|store=app_store".
func (t SegmentTuple) Prefix(level int) string {
	if level < 0 {
		return "global"
	}
	if level > MaxLevel {
		level = MaxLevel
	}
	vals := t.values()
	parts := make([]string, 0, level+1)
	for i := 0; i <= level; i++ {
		parts = append(parts, string(Dimensions[i])+"="+vals[i])
	}
	return strings.Join(parts, "|")
}

// Key is the full-specificity prefix.
func (t SegmentTuple) Key() string { return t.Prefix(MaxLevel) }

// SegmentNode is one materialized prefix of the hierarchy.
type SegmentNode struct {
	RunID           string  `json:"run_id"`
	Key             string  `json:"key"`
	Level           int     `json:"level"`
	ProductID       string  `json:"product_id"`
	CohortUserCount int     `json:"cohort_user_count"`
	TotalUserCount  int     `json:"total_user_count"`
	TrialStarted    int     `json:"trial_started_count"`
	TrialConverted  int     `json:"trial_converted_count"`
	RefundAfterConv int     `json:"refunds_after_conversion_count"`
	InitialPurchase int     `json:"initial_purchase_count"`
	RefundAfterInit int     `json:"refunds_after_initial_purchase_count"`
	IsViable        bool    `json:"is_viable"`
	RatesConsistent bool    `json:"rates_consistent"`
	Rates           RateSet `json:"rates"`
}

// Resolution is the accepted rate set for one full tuple within a run.
// Together with RunID it forms the versioned rate table.
type Resolution struct {
	RunID           string        `json:"run_id"`
	TupleKey        string        `json:"tuple_key"`
	ProductID       string        `json:"product_id"`
	ResolvedKey     string        `json:"resolved_key"`
	Level           int           `json:"level"`
	CohortUserCount int           `json:"cohort_user_count"`
	Accuracy        AccuracyScore `json:"accuracy_score"`
	Rates           RateSet       `json:"rates"`
}

// ValidationError reports pairs of one leaf tuple whose rates diverged.
type ValidationError struct {
	RunID       string   `json:"run_id"`
	Path        string   `json:"path"`
	DistinctIDs []string `json:"distinct_ids"`
	Message     string   `json:"message"`
}
