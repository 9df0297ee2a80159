package memory

import (
	"context"
	"sort"

	"github.com/ignite/cohort-estimator/internal/domain"
	"github.com/ignite/cohort-estimator/internal/store"
)

func (s *Store) SaveBuckets(_ context.Context, runID string, buckets []domain.PriceBucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range buckets {
		s.buckets[runKey{runID, b.Key.String()}] = b
	}
	return nil
}

func (s *Store) LoadBuckets(_ context.Context, runID, productID string) ([]domain.PriceBucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PriceBucket
	for k, b := range s.buckets {
		if k.runID == runID && b.Key.ProductID == productID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

func (s *Store) SavePairs(_ context.Context, runID string, pairs []domain.UserProductPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range pairs {
		s.pairs[runKey{runID, p.Key().String()}] = p
	}
	return nil
}

func (s *Store) LoadPairs(_ context.Context, runID string, f store.PairFilter) ([]domain.UserProductPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.matchPairs(runID, f)
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].DistinctID < out[j].DistinctID
	})
	return page(out, f.Limit, f.Offset), nil
}

func (s *Store) CountPairs(_ context.Context, runID string, f store.PairFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.matchPairs(runID, f)), nil
}

// matchPairs expects s.mu to be held.
func (s *Store) matchPairs(runID string, f store.PairFilter) []domain.UserProductPair {
	var out []domain.UserProductPair
	for k, p := range s.pairs {
		if k.runID != runID {
			continue
		}
		if f.ProductID != "" && p.ProductID != f.ProductID {
			continue
		}
		if f.Country != "" && p.Country != f.Country {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (s *Store) GetPair(_ context.Context, runID, distinctID, productID string) (*domain.UserProductPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pairs[runKey{runID, domain.PairKey{DistinctID: distinctID, ProductID: productID}.String()}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) SaveResolutions(_ context.Context, runID string, res []domain.Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range res {
		s.resolutions[runKey{runID, r.TupleKey}] = r
	}
	return nil
}

func (s *Store) LoadResolutions(_ context.Context, runID string) ([]domain.Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Resolution
	for k, r := range s.resolutions {
		if k.runID == runID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TupleKey < out[j].TupleKey })
	return out, nil
}

func (s *Store) SaveNodes(_ context.Context, runID string, nodes []domain.SegmentNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range nodes {
		s.nodes[runKey{runID, n.Key}] = n
	}
	return nil
}

func (s *Store) ListNodes(_ context.Context, runID string, f store.NodeFilter) ([]domain.SegmentNode, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SegmentNode
	for k, n := range s.nodes {
		if k.runID != runID {
			continue
		}
		if f.ProductID != "" && n.ProductID != f.ProductID {
			continue
		}
		if f.Level != nil && n.Level != *f.Level {
			continue
		}
		if f.ViableOnly && !n.IsViable {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].Key < out[j].Key
	})
	return page(out, f.Limit, f.Offset), len(out), nil
}

func (s *Store) SaveValidationErrors(_ context.Context, runID string, errs []domain.ValidationError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range errs {
		s.validation[runKey{runID, e.Path}] = e
	}
	return nil
}

func (s *Store) ListValidationErrors(_ context.Context, runID string) ([]domain.ValidationError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ValidationError
	for k, e := range s.validation {
		if k.runID == runID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *Store) SavePartialRollups(_ context.Context, runID, partition string, rows []domain.RollupRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]domain.RollupRow, len(rows))
	copy(cp, rows)
	s.partials[runKey{runID, partition}] = cp
	return nil
}

func (s *Store) LoadPartialRollups(_ context.Context, runID string) ([]domain.RollupRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0)
	for k := range s.partials {
		if k.runID == runID {
			keys = append(keys, k.key)
		}
	}
	sort.Strings(keys)
	var out []domain.RollupRow
	for _, k := range keys {
		out = append(out, s.partials[runKey{runID, k}]...)
	}
	return out, nil
}

func (s *Store) SaveRollups(_ context.Context, runID string, rows []domain.RollupRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]domain.RollupRow, len(rows))
	copy(cp, rows)
	s.rollups[runID] = cp
	return nil
}

func (s *Store) ListRollups(_ context.Context, runID, entityID string) ([]domain.RollupRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RollupRow
	for _, r := range s.rollups[runID] {
		if entityID == "" || r.EntityID == entityID {
			out = append(out, r)
		}
	}
	return out, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
