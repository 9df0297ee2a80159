// Package memory is an in-process implementation of store.Store. It backs
// dry runs and tests; nothing it holds survives the process.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ignite/cohort-estimator/internal/domain"
	"github.com/ignite/cohort-estimator/internal/store"
)

type runKey struct {
	runID string
	key   string
}

// Store keeps inputs and run outputs in maps guarded by one mutex.
type Store struct {
	mu sync.Mutex

	events      []domain.ConversionEvent
	dims        map[string]domain.UserDimensions
	attribution []domain.Attribution
	delivery    []domain.DeliveryStats

	runs        map[string]domain.Run
	checkpoints map[string]bool
	buckets     map[runKey]domain.PriceBucket
	pairs       map[runKey]domain.UserProductPair
	resolutions map[runKey]domain.Resolution
	nodes       map[runKey]domain.SegmentNode
	validation  map[runKey]domain.ValidationError
	partials    map[runKey][]domain.RollupRow
	rollups     map[string][]domain.RollupRow
}

// New returns an empty store.
func New() *Store {
	return &Store{
		dims:        make(map[string]domain.UserDimensions),
		runs:        make(map[string]domain.Run),
		checkpoints: make(map[string]bool),
		buckets:     make(map[runKey]domain.PriceBucket),
		pairs:       make(map[runKey]domain.UserProductPair),
		resolutions: make(map[runKey]domain.Resolution),
		nodes:       make(map[runKey]domain.SegmentNode),
		validation:  make(map[runKey]domain.ValidationError),
		partials:    make(map[runKey][]domain.RollupRow),
		rollups:     make(map[string][]domain.RollupRow),
	}
}

var _ store.Store = (*Store)(nil)

// AddEvents appends raw events to the input event store.
func (s *Store) AddEvents(evs ...domain.ConversionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evs...)
}

// SetUserDimensions upserts user dimension rows.
func (s *Store) SetUserDimensions(dims ...domain.UserDimensions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range dims {
		s.dims[d.DistinctID] = d
	}
}

// AddAttribution appends pair → entity mappings.
func (s *Store) AddAttribution(a ...domain.Attribution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attribution = append(s.attribution, a...)
}

// AddDelivery appends delivery feed rows.
func (s *Store) AddDelivery(d ...domain.DeliveryStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivery = append(s.delivery, d...)
}

// Inputs

func (s *Store) ListProducts(_ context.Context, asOf time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, ev := range s.events {
		if ev.EventTime.After(asOf) || seen[ev.ProductID] {
			continue
		}
		seen[ev.ProductID] = true
		out = append(out, ev.ProductID)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) LoadEvents(_ context.Context, productID string, asOf time.Time) ([]domain.ConversionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ConversionEvent
	for _, ev := range s.events {
		if ev.ProductID == productID && !ev.EventTime.After(asOf) {
			out = append(out, ev)
		}
	}
	domain.SortEvents(out)
	return out, nil
}

func (s *Store) LoadUserDimensions(_ context.Context, distinctIDs []string) (map[string]domain.UserDimensions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.UserDimensions, len(distinctIDs))
	for _, id := range distinctIDs {
		if d, ok := s.dims[id]; ok {
			out[id] = d
		}
	}
	return out, nil
}

func (s *Store) LoadAttribution(_ context.Context, productID string) ([]domain.Attribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Attribution
	for _, a := range s.attribution {
		if a.ProductID == productID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) LoadDelivery(_ context.Context, entityIDs []string) ([]domain.DeliveryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(entityIDs))
	for _, id := range entityIDs {
		want[id] = true
	}
	var out []domain.DeliveryStats
	for _, d := range s.delivery {
		if want[d.EntityID] {
			out = append(out, d)
		}
	}
	return out, nil
}

// Checkpoints

func checkpointKey(runID string, stage domain.Stage, partition string) string {
	return runID + "/" + string(stage) + "/" + partition
}

func (s *Store) Done(_ context.Context, runID string, stage domain.Stage, partition string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoints[checkpointKey(runID, stage, partition)], nil
}

func (s *Store) MarkDone(_ context.Context, runID string, stage domain.Stage, partition string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[checkpointKey(runID, stage, partition)] = true
	return nil
}

// Runs

func (s *Store) CreateRun(_ context.Context, run domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *Store) GetRun(_ context.Context, id string) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (s *Store) ListRuns(_ context.Context, limit int) ([]domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) LatestRun(ctx context.Context, status domain.RunStatus) (*domain.Run, error) {
	runs, _ := s.ListRuns(ctx, 0)
	for i := range runs {
		if runs[i].Status == status {
			return &runs[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) FinishRun(_ context.Context, id string, status domain.RunStatus, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = status
	r.Error = errMsg
	r.CompletedAt = &at
	s.runs[id] = r
	return nil
}

func (s *Store) ReopenRun(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = domain.RunRunning
	r.Error = ""
	r.CompletedAt = nil
	s.runs[id] = r
	return nil
}
