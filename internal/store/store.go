package store

import (
	"context"
	"time"

	"github.com/ignite/cohort-estimator/internal/domain"
)

// EventSource reads the append-only conversion event store. Events with
// event_time after asOf are never returned.
type EventSource interface {
	// ListProducts returns every product id with at least one event,
	// sorted ascending.
	ListProducts(ctx context.Context, asOf time.Time) ([]string, error)

	// LoadEvents returns one product's events ordered by (event_time, event_id).
	LoadEvents(ctx context.Context, productID string, asOf time.Time) ([]domain.ConversionEvent, error)
}

// ReferenceSource reads the externally owned dimension, attribution and
// delivery tables.
type ReferenceSource interface {
	// LoadUserDimensions returns dimensions keyed by distinct id. Unknown
	// ids are simply absent.
	LoadUserDimensions(ctx context.Context, distinctIDs []string) (map[string]domain.UserDimensions, error)

	// LoadAttribution returns the pair → entity mapping for one product.
	LoadAttribution(ctx context.Context, productID string) ([]domain.Attribution, error)

	// LoadDelivery returns the delivery feed rows for the given entities.
	LoadDelivery(ctx context.Context, entityIDs []string) ([]domain.DeliveryStats, error)
}

// Checkpoints records completed (run, stage, partition) units.
type Checkpoints interface {
	Done(ctx context.Context, runID string, stage domain.Stage, partition string) (bool, error)
	MarkDone(ctx context.Context, runID string, stage domain.Stage, partition string) error
}

// RunStore persists the run manifest.
type RunStore interface {
	CreateRun(ctx context.Context, run domain.Run) error
	// GetRun returns ErrNotFound if the run doesn't exist.
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	// ListRuns returns the newest runs first.
	ListRuns(ctx context.Context, limit int) ([]domain.Run, error)
	// LatestRun returns the newest run with the given status, or
	// ErrNotFound.
	LatestRun(ctx context.Context, status domain.RunStatus) (*domain.Run, error)
	// FinishRun moves a run to complete or failed.
	FinishRun(ctx context.Context, id string, status domain.RunStatus, errMsg string, at time.Time) error
	// ReopenRun moves a failed run back to running for a resume.
	ReopenRun(ctx context.Context, id string) error
}

// PairFilter selects pairs of one run. Country is optional.
type PairFilter struct {
	ProductID string
	Country   string
	Limit     int
	Offset    int
}

// NodeFilter selects segment nodes of one run. Zero values match all.
type NodeFilter struct {
	ProductID  string
	Level      *int
	ViableOnly bool
	Limit      int
	Offset     int
}

// ResultStore persists and reads the per-run stage outputs.
type ResultStore interface {
	SaveBuckets(ctx context.Context, runID string, buckets []domain.PriceBucket) error
	LoadBuckets(ctx context.Context, runID, productID string) ([]domain.PriceBucket, error)

	SavePairs(ctx context.Context, runID string, pairs []domain.UserProductPair) error
	LoadPairs(ctx context.Context, runID string, f PairFilter) ([]domain.UserProductPair, error)
	// CountPairs ignores the filter's Limit and Offset.
	CountPairs(ctx context.Context, runID string, f PairFilter) (int, error)
	// GetPair returns ErrNotFound if the pair is not part of the run.
	GetPair(ctx context.Context, runID, distinctID, productID string) (*domain.UserProductPair, error)

	SaveResolutions(ctx context.Context, runID string, res []domain.Resolution) error
	LoadResolutions(ctx context.Context, runID string) ([]domain.Resolution, error)

	SaveNodes(ctx context.Context, runID string, nodes []domain.SegmentNode) error
	ListNodes(ctx context.Context, runID string, f NodeFilter) ([]domain.SegmentNode, int, error)

	SaveValidationErrors(ctx context.Context, runID string, errs []domain.ValidationError) error
	ListValidationErrors(ctx context.Context, runID string) ([]domain.ValidationError, error)

	// SavePartialRollups replaces the rollup contribution of one partition.
	SavePartialRollups(ctx context.Context, runID, partition string, rows []domain.RollupRow) error
	LoadPartialRollups(ctx context.Context, runID string) ([]domain.RollupRow, error)

	SaveRollups(ctx context.Context, runID string, rows []domain.RollupRow) error
	// ListRollups returns rows ordered by entity then date. An empty
	// entityID returns every entity.
	ListRollups(ctx context.Context, runID, entityID string) ([]domain.RollupRow, error)
}

// Store is everything the pipeline and the API need from one backend.
type Store interface {
	EventSource
	ReferenceSource
	Checkpoints
	RunStore
	ResultStore
}
