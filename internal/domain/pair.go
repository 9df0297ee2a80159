package domain

import "time"

// AssignmentType records why a price bucket was attached to a pair.
type AssignmentType string

const (
	AssignConversion       AssignmentType = "conversion"
	AssignInheritedPrior   AssignmentType = "inherited_prior"
	AssignInheritedClosest AssignmentType = "inherited_closest"
	AssignNoEvent          AssignmentType = "no_event"
	AssignNoConversions    AssignmentType = "no_conversions_ever"
	// AssignUnmatched marks a pair whose own qualifying price matched no
	// cluster. It shares bucket 0 with the no-event cases.
	AssignUnmatched AssignmentType = "conversion_unmatched"
)

// LifecycleStatus is the current state of a pair's subscription lifecycle.
type LifecycleStatus string

const (
	StatusNone                    LifecycleStatus = "none"
	StatusTrialPending            LifecycleStatus = "trial_pending"
	StatusTrialCancelled          LifecycleStatus = "trial_cancelled"
	StatusTrialConverted          LifecycleStatus = "trial_converted"
	StatusPurchaseRefunded        LifecycleStatus = "purchase_refunded"
	StatusInitialPurchase         LifecycleStatus = "initial_purchase"
	StatusInitialPurchaseRefunded LifecycleStatus = "initial_purchase_refunded"
)

// Estimated reports whether the status still awaits an outcome that the
// cohort rates project.
func (s LifecycleStatus) Estimated() bool {
	return s == StatusTrialPending || s == StatusInitialPurchase
}

// TerminalNonConverting reports whether the lifecycle ended without any
// paid conversion.
func (s LifecycleStatus) TerminalNonConverting() bool {
	return s == StatusTrialCancelled
}

// ValueStatus says whether CurrentValue is projected or observed.
type ValueStatus string

const (
	ValueEstimated ValueStatus = "estimated"
	ValueActual    ValueStatus = "actual"
)

// AccuracyScore is the confidence label attached to resolved rates.
type AccuracyScore string

const (
	AccuracyVeryHigh AccuracyScore = "very_high"
	AccuracyHigh     AccuracyScore = "high"
	AccuracyMedium   AccuracyScore = "medium"
	AccuracyLow      AccuracyScore = "low"
	AccuracyDefault  AccuracyScore = "default"
)

// PairKey identifies a user-product relationship.
type PairKey struct {
	DistinctID string `json:"distinct_id"`
	ProductID  string `json:"product_id"`
}

// String renders the key for logs and map keys.
func (k PairKey) String() string { return k.DistinctID + "|" + k.ProductID }

// PartitionKey is the unit of parallel work for the bucket and timeline
// stages.
type PartitionKey struct {
	Country   string `json:"country"`
	ProductID string `json:"product_id"`
}

// String renders the partition as "country|product".
func (k PartitionKey) String() string { return k.Country + "|" + k.ProductID }

// UserProductPair is the per-relationship record every stage enriches.
type UserProductPair struct {
	DistinctID   string    `json:"distinct_id" db:"distinct_id"`
	ProductID    string    `json:"product_id" db:"product_id"`
	CreditedDate time.Time `json:"credited_date" db:"credited_date"`
	Country      string    `json:"country" db:"country"`
	Region       string    `json:"region" db:"region"`
	Store        string    `json:"store" db:"store"`
	EconomicTier string    `json:"economic_tier" db:"economic_tier"`

	PriceBucket     int            `json:"price_bucket" db:"price_bucket"`
	BucketEventType EventName      `json:"bucket_event_type,omitempty" db:"bucket_event_type"`
	AssignmentType  AssignmentType `json:"assignment_type" db:"assignment_type"`

	CurrentStatus LifecycleStatus `json:"current_status" db:"current_status"`
	CurrentValue  float64         `json:"current_value" db:"current_value"`
	ValueStatus   ValueStatus     `json:"value_status" db:"value_status"`

	AccuracyScore AccuracyScore `json:"accuracy_score" db:"accuracy_score"`
	ResolvedLevel int           `json:"resolved_level" db:"resolved_level"`
	RateSet
	RatesRunID string `json:"rates_run_id,omitempty" db:"rates_run_id"`

	ValidLifecycle bool      `json:"valid_lifecycle" db:"valid_lifecycle"`
	LastUpdated    time.Time `json:"last_updated_ts" db:"last_updated_ts"`
}

// Key returns the pair's natural key.
func (p UserProductPair) Key() PairKey {
	return PairKey{DistinctID: p.DistinctID, ProductID: p.ProductID}
}

// Partition returns the (country, product) partition the pair belongs to.
func (p UserProductPair) Partition() PartitionKey {
	return PartitionKey{Country: p.Country, ProductID: p.ProductID}
}

// Tuple returns the pair's full segment dimension tuple.
func (p UserProductPair) Tuple() SegmentTuple {
	return SegmentTuple{
		ProductID:    p.ProductID,
		PriceBucket:  p.PriceBucket,
		Store:        p.Store,
		EconomicTier: p.EconomicTier,
		Country:      p.Country,
		Region:       p.Region,
	}
}

// UserDimensions is a row from the user dimension store.
type UserDimensions struct {
	DistinctID   string `json:"distinct_id" db:"distinct_id"`
	Country      string `json:"country" db:"country"`
	Region       string `json:"region" db:"region"`
	EconomicTier string `json:"economic_tier" db:"economic_tier"`
	Store        string `json:"store" db:"store"`
}
