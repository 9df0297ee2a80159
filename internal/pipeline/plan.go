package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ignite/cohort-estimator/internal/domain"
	"github.com/ignite/cohort-estimator/internal/lifecycle"
	"github.com/ignite/cohort-estimator/internal/pkg/logger"
)

// plan is the in-memory working set of one run. It is rebuilt from the
// inputs on every start or resume, so it is a pure function of the event
// store, the dimension store and the run's as-of time.
type plan struct {
	products    []string
	partitions  []domain.PartitionKey
	pairs       map[domain.PartitionKey][]domain.UserProductPair
	events      map[domain.PairKey][]domain.ConversionEvent
	attribution map[domain.PairKey]string
	excluded    int
}

func (p *plan) pairCount() int {
	n := 0
	for _, ps := range p.pairs {
		n += len(ps)
	}
	return n
}

func (p *plan) productPartitions(productID string) []domain.PartitionKey {
	var out []domain.PartitionKey
	for _, k := range p.partitions {
		if k.ProductID == productID {
			out = append(out, k)
		}
	}
	return out
}

// buildPlan loads every product's events, derives the pairs, attaches user
// dimensions and groups pairs by (country, product).
func (r *Runner) buildPlan(ctx context.Context, asOf time.Time) (*plan, error) {
	products, err := r.events.ListProducts(ctx, asOf)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}

	pl := &plan{
		products:    products,
		pairs:       make(map[domain.PartitionKey][]domain.UserProductPair),
		events:      make(map[domain.PairKey][]domain.ConversionEvent),
		attribution: make(map[domain.PairKey]string),
	}

	for _, productID := range products {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.planProduct(ctx, pl, productID, asOf); err != nil {
			return nil, err
		}
	}

	for k := range pl.pairs {
		pl.partitions = append(pl.partitions, k)
	}
	sort.Slice(pl.partitions, func(i, j int) bool {
		a, b := pl.partitions[i], pl.partitions[j]
		if a.ProductID != b.ProductID {
			return a.ProductID < b.ProductID
		}
		return a.Country < b.Country
	})
	return pl, nil
}

func (r *Runner) planProduct(ctx context.Context, pl *plan, productID string, asOf time.Time) error {
	evs, err := r.events.LoadEvents(ctx, productID, asOf)
	if err != nil {
		return fmt.Errorf("load events for %s: %w", productID, err)
	}

	var keys []domain.PairKey
	for _, ev := range evs {
		if err := ev.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptInput, err)
		}
		if ev.ProductID != productID {
			return fmt.Errorf("%w: event %s belongs to %s, loaded for %s", ErrCorruptInput, ev.EventID, ev.ProductID, productID)
		}
		k := ev.PairKey()
		if _, seen := pl.events[k]; !seen {
			keys = append(keys, k)
		}
		pl.events[k] = append(pl.events[k], ev)
	}

	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k.DistinctID
	}
	dims, err := r.refs.LoadUserDimensions(ctx, ids)
	if err != nil {
		return fmt.Errorf("load user dimensions for %s: %w", productID, err)
	}

	for _, k := range keys {
		pairEvents := pl.events[k]
		domain.SortEvents(pairEvents)
		pair := r.newPair(k, pairEvents, dims, asOf)
		if !pair.ValidLifecycle {
			pl.excluded++
		}
		pl.pairs[pair.Partition()] = append(pl.pairs[pair.Partition()], pair)
	}

	attr, err := r.refs.LoadAttribution(ctx, productID)
	if err != nil {
		return fmt.Errorf("load attribution for %s: %w", productID, err)
	}
	for _, a := range attr {
		pl.attribution[domain.PairKey{DistinctID: a.DistinctID, ProductID: a.ProductID}] = a.EntityID
	}

	logger.Debug("product planned", "product_id", productID, "events", len(evs), "pairs", len(keys))
	return nil
}

// newPair creates the pair record from its sorted events. Dimensions come
// from the user dimension store; a user missing from it falls back to the
// event's geo fields and is excluded from cohorts.
func (r *Runner) newPair(k domain.PairKey, evs []domain.ConversionEvent, dims map[string]domain.UserDimensions, asOf time.Time) domain.UserProductPair {
	first := evs[0]
	pair := domain.UserProductPair{
		DistinctID:     k.DistinctID,
		ProductID:      k.ProductID,
		CreditedDate:   domain.Day(first.EventTime),
		Country:        first.Country,
		Region:         first.Region,
		Store:          first.Store,
		CurrentStatus:  domain.StatusNone,
		ValidLifecycle: true,
		LastUpdated:    asOf,
	}

	d, ok := dims[k.DistinctID]
	if !ok {
		pair.ValidLifecycle = false
		logger.Warn("pair has no user dimensions", "distinct_id", k.DistinctID, "product_id", k.ProductID)
		return pair
	}
	pair.Country, pair.Region, pair.Store, pair.EconomicTier = d.Country, d.Region, d.Store, d.EconomicTier

	if err := r.opts.Reference.Check(pair); err != nil {
		pair.ValidLifecycle = false
		logger.Warn("pair excluded from cohorts", "distinct_id", k.DistinctID, "product_id", k.ProductID, "reason", err.Error())
		return pair
	}
	if lifecycle.Replay(evs).Status == domain.StatusNone {
		pair.ValidLifecycle = false
	}
	return pair
}
