package domain

import "time"

// RunStatus is the publication state of a pipeline run.
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunComplete RunStatus = "complete"
	RunFailed   RunStatus = "failed"
)

// Stage names a pipeline stage for checkpointing.
type Stage string

const (
	StageBuckets  Stage = "buckets"
	StageRates    Stage = "rates"
	StageTimeline Stage = "timeline"
)

// Run is the manifest of one batch recomputation. AsOf pins "now" so a
// resumed run reproduces the same cohort window.
type Run struct {
	ID          string     `json:"id" db:"id"`
	AsOf        time.Time  `json:"as_of" db:"as_of"`
	Status      RunStatus  `json:"status" db:"status"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	Error       string     `json:"error,omitempty" db:"error"`
}

// Attribution maps a pair to the reporting entity (campaign/adset/ad) it
// is credited to.
type Attribution struct {
	DistinctID string `json:"distinct_id" db:"distinct_id"`
	ProductID  string `json:"product_id" db:"product_id"`
	EntityID   string `json:"entity_id" db:"entity_id"`
}
