// Package segment resolves lifecycle rates for every combination of pair
// properties by walking a fixed dimension hierarchy from the most specific
// cohort toward product-only, stopping at the first statistically viable
// level.
//
// The hierarchy is not a tree of nodes. Each level is a flat table of
// prefix key → aggregate, built in one pass over the members, so a product
// partition can be computed independently of every other.
package segment

import (
	"sort"
	"time"

	"github.com/ignite/cohort-estimator/internal/accuracy"
	"github.com/ignite/cohort-estimator/internal/domain"
	"github.com/ignite/cohort-estimator/internal/pkg/logger"
)

// Hierarchy is the resolved rate table for one run and product partition.
type Hierarchy struct {
	RunID     string
	ProductID string
	Window    Window

	cfg    Config
	global domain.RateSet
	levels [domain.MaxLevel + 1]map[string]*aggregate

	resolved     map[string]domain.Resolution
	inconsistent map[string]bool
}

// Build precomputes every prefix aggregate for one product's members.
// Only valid-lifecycle members inside the window count toward users and
// rates; members outside the window still appear in node totals.
func Build(runID, productID string, asOf time.Time, cfg Config, members []Member, global domain.RateSet) *Hierarchy {
	h := &Hierarchy{
		RunID:        runID,
		ProductID:    productID,
		Window:       NewWindow(asOf, cfg),
		cfg:          cfg,
		global:       global,
		resolved:     make(map[string]domain.Resolution),
		inconsistent: make(map[string]bool),
	}
	for l := range h.levels {
		h.levels[l] = make(map[string]*aggregate)
	}

	for _, m := range members {
		if !m.Pair.ValidLifecycle {
			continue
		}
		tuple := m.Pair.Tuple()
		inWindow := h.Window.Contains(m.Pair.CreditedDate)
		for l := 0; l <= domain.MaxLevel; l++ {
			key := tuple.Prefix(l)
			agg, ok := h.levels[l][key]
			if !ok {
				agg = &aggregate{level: l, productID: productID}
				h.levels[l][key] = agg
			}
			agg.total++
			if inWindow {
				agg.add(m.Outcome)
			}
		}
	}
	return h
}

func (h *Hierarchy) viable(a *aggregate) bool {
	return a != nil && a.users >= h.cfg.MinCohortUsers
}

// Resolve returns the accepted rates for a full tuple, retreating one
// dimension at a time until a viable cohort is found, then falling back to
// the global default.
func (h *Hierarchy) Resolve(tuple domain.SegmentTuple) domain.Resolution {
	leaf := tuple.Key()
	if r, ok := h.resolved[leaf]; ok {
		return r
	}

	res := domain.Resolution{
		RunID:       h.RunID,
		TupleKey:    leaf,
		ProductID:   tuple.ProductID,
		ResolvedKey: tuple.Prefix(domain.GlobalLevel),
		Level:       domain.GlobalLevel,
		Accuracy:    accuracy.ForLevel(domain.GlobalLevel),
		Rates:       h.global,
	}
	for l := domain.MaxLevel; l >= 0; l-- {
		key := tuple.Prefix(l)
		agg := h.levels[l][key]
		if !h.viable(agg) {
			continue
		}
		res.ResolvedKey = key
		res.Level = l
		res.CohortUserCount = agg.users
		res.Accuracy = accuracy.ForLevel(l)
		res.Rates = agg.rates()
		break
	}
	if res.Level == domain.GlobalLevel {
		logger.Info("no viable cohort, using global default rates",
			"tuple", leaf, "run_id", h.RunID, "confidence", string(domain.AccuracyDefault))
	}

	h.resolved[leaf] = res
	return res
}

// Apply resolves rates for every pair and validates leaf consistency. A
// pair that already carries rates stamped with this run but different from
// the fresh resolution (a stale or partial recomputation) is reported;
// the fresh value always wins.
func (h *Hierarchy) Apply(pairs []domain.UserProductPair) ([]domain.UserProductPair, []domain.ValidationError) {
	out := make([]domain.UserProductPair, len(pairs))
	copy(out, pairs)
	sort.Slice(out, func(i, j int) bool { return out[i].DistinctID < out[j].DistinctID })

	conflicts := make(map[string][]string)
	for i := range out {
		p := &out[i]
		res := h.Resolve(p.Tuple())
		if p.RatesRunID == h.RunID && p.RateSet != res.Rates {
			conflicts[res.TupleKey] = append(conflicts[res.TupleKey], p.DistinctID)
		}
		accuracy.Attach(p, res)
	}

	keys := make([]string, 0, len(conflicts))
	for k := range conflicts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []domain.ValidationError
	for _, k := range keys {
		h.inconsistent[k] = true
		ids := conflicts[k]
		sort.Strings(ids)
		errs = append(errs, domain.ValidationError{
			RunID:       h.RunID,
			Path:        k,
			DistinctIDs: ids,
			Message:     "pairs sharing this tuple carried rates that differ from the recomputed leaf",
		})
		logger.Warn("segment rate inconsistency", "path", k, "run_id", h.RunID, "pairs", len(ids))
	}
	return out, errs
}

// Resolutions returns every resolution made so far, ordered by tuple key.
func (h *Hierarchy) Resolutions() []domain.Resolution {
	out := make([]domain.Resolution, 0, len(h.resolved))
	for _, r := range h.resolved {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TupleKey < out[j].TupleKey })
	return out
}

// Nodes materializes the prefix tables for introspection, ordered by level
// then key.
func (h *Hierarchy) Nodes() []domain.SegmentNode {
	var out []domain.SegmentNode
	for l := 0; l <= domain.MaxLevel; l++ {
		keys := make([]string, 0, len(h.levels[l]))
		for k := range h.levels[l] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			a := h.levels[l][k]
			out = append(out, domain.SegmentNode{
				RunID:           h.RunID,
				Key:             k,
				Level:           l,
				ProductID:       h.ProductID,
				CohortUserCount: a.users,
				TotalUserCount:  a.total,
				TrialStarted:    a.trialStarted,
				TrialConverted:  a.trialConverted,
				RefundAfterConv: a.refundAfterConv,
				InitialPurchase: a.initial,
				RefundAfterInit: a.refundAfterInit,
				IsViable:        h.viable(a),
				RatesConsistent: !h.inconsistent[k],
				Rates:           a.rates(),
			})
		}
	}
	return out
}
