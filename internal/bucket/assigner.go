// Package bucket clusters observed conversion prices into representative
// price tiers and attaches a tier to every user-product pair, either from
// the pair's own conversion or by inheritance.
package bucket

import (
	"sort"
	"time"

	"github.com/ignite/cohort-estimator/internal/domain"
	"github.com/ignite/cohort-estimator/internal/lifecycle"
	"github.com/ignite/cohort-estimator/internal/pkg/logger"
)

// PartitionInput is everything the assigner needs for one (country,
// product) partition. Events must cover every pair in Pairs.
type PartitionInput struct {
	Partition domain.PartitionKey
	Pairs     []domain.UserProductPair
	Events    map[domain.PairKey][]domain.ConversionEvent
}

// Result is the assigner output for one partition.
type Result struct {
	Partition    domain.PartitionKey
	Buckets      []domain.PriceBucket
	Pairs        []domain.UserProductPair
	Unmatched    int
	MissingPrice int
}

// Assigner builds buckets and assigns them to pairs.
type Assigner struct {
	th Thresholds
}

// NewAssigner creates an assigner with the given merge thresholds.
func NewAssigner(th Thresholds) *Assigner {
	return &Assigner{th: th}
}

var bucketEventTypes = []domain.EventName{domain.EventTrialConverted, domain.EventInitialPurchase}

// Assign buckets one partition. It never fails: missing or unmatched
// prices degrade to bucket 0 with a logged marker.
func (a *Assigner) Assign(in PartitionInput) Result {
	res := Result{Partition: in.Partition}

	pairs := make([]domain.UserProductPair, len(in.Pairs))
	copy(pairs, in.Pairs)
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].DistinctID < pairs[j].DistinctID })

	sorted := make(map[domain.PairKey][]domain.ConversionEvent, len(pairs))
	prices := make(map[domain.EventName][]float64)
	for _, p := range pairs {
		evs := append([]domain.ConversionEvent(nil), in.Events[p.Key()]...)
		domain.SortEvents(evs)
		sorted[p.Key()] = evs
		for _, ev := range evs {
			if !ev.EventName.IsQualifying() {
				continue
			}
			if ev.RevenueAmount <= 0 {
				res.MissingPrice++
				logger.Warn("qualifying event without price",
					"event_id", ev.EventID, "distinct_id", ev.DistinctID, "partition", in.Partition.String())
				continue
			}
			prices[ev.EventName] = append(prices[ev.EventName], ev.RevenueAmount)
		}
	}

	clusters := make(map[domain.EventName][]domain.Cluster)
	for _, et := range bucketEventTypes {
		cs := BuildClusters(prices[et], a.th)
		if len(cs) == 0 {
			continue
		}
		clusters[et] = cs
		res.Buckets = append(res.Buckets, domain.PriceBucket{
			Key:      domain.BucketKey{Country: in.Partition.Country, ProductID: in.Partition.ProductID, EventType: et},
			Clusters: cs,
		})
	}

	indexes := a.buildIndexes(pairs, sorted, clusters)

	for i := range pairs {
		p := &pairs[i]
		evs := sorted[p.Key()]
		a.assignPair(p, evs, clusters, indexes, &res)
	}
	res.Pairs = pairs
	return res
}

func (a *Assigner) buildIndexes(pairs []domain.UserProductPair, sorted map[domain.PairKey][]domain.ConversionEvent, clusters map[domain.EventName][]domain.Cluster) map[domain.EventName]*timeIndex {
	raw := make(map[domain.EventName][]indexedEvent)
	for _, p := range pairs {
		for _, ev := range sorted[p.Key()] {
			if !ev.EventName.IsQualifying() {
				continue
			}
			id, ok := Match(clusters[ev.EventName], ev.RevenueAmount, a.th)
			if !ok {
				continue
			}
			raw[ev.EventName] = append(raw[ev.EventName], indexedEvent{at: ev.EventTime, eventID: ev.EventID, bucketID: id})
		}
	}
	out := make(map[domain.EventName]*timeIndex, len(bucketEventTypes))
	for _, et := range bucketEventTypes {
		out[et] = newTimeIndex(raw[et])
	}
	return out
}

func (a *Assigner) assignPair(p *domain.UserProductPair, evs []domain.ConversionEvent, clusters map[domain.EventName][]domain.Cluster, indexes map[domain.EventName]*timeIndex, res *Result) {
	outcome := lifecycle.Replay(evs)
	p.CurrentStatus = outcome.Status

	eventType := domain.EventInitialPurchase
	if lifecycle.UsesTrial(evs) {
		eventType = domain.EventTrialConverted
	}

	// Pass 1: the pair's own earliest qualifying event, preferring the
	// lifecycle's event type. A trial user who later buys outright is
	// bucketed by that purchase.
	ev, ok := firstOf(evs, eventType)
	if !ok {
		if ev, ok = firstQualifyingFrom(evs, referenceTime(evs, eventType)); ok {
			eventType = ev.EventName
		}
	}
	if ok {
		id, matched := Match(clusters[eventType], ev.RevenueAmount, a.th)
		if !matched {
			res.Unmatched++
			logger.Warn("conversion price matched no bucket",
				"event_id", ev.EventID, "distinct_id", p.DistinctID, "price", ev.RevenueAmount,
				"bucket_key", domain.BucketKey{Country: p.Country, ProductID: p.ProductID, EventType: eventType}.String())
			setBucket(p, 0, eventType, domain.AssignUnmatched)
			return
		}
		setBucket(p, id, eventType, domain.AssignConversion)
		return
	}

	// Pass 2a: the same user's prior conversion for this product.
	ref := referenceTime(evs, eventType)
	for i := len(evs) - 1; i >= 0; i-- {
		ev := evs[i]
		if !ev.EventName.IsQualifying() || !ev.EventTime.Before(ref) {
			continue
		}
		if id, ok := Match(clusters[ev.EventName], ev.RevenueAmount, a.th); ok {
			setBucket(p, id, ev.EventName, domain.AssignInheritedPrior)
			return
		}
	}

	// Pass 2b: the closest conversion in time within the partition.
	if nearest, ok := indexes[eventType].Nearest(ref); ok {
		setBucket(p, nearest.bucketID, eventType, domain.AssignInheritedClosest)
		return
	}

	if outcome.Status.TerminalNonConverting() {
		setBucket(p, 0, "", domain.AssignNoConversions)
		return
	}
	setBucket(p, 0, "", domain.AssignNoEvent)
}

func setBucket(p *domain.UserProductPair, id int, et domain.EventName, at domain.AssignmentType) {
	p.PriceBucket = id
	p.BucketEventType = et
	p.AssignmentType = at
}

func firstOf(evs []domain.ConversionEvent, name domain.EventName) (domain.ConversionEvent, bool) {
	for _, ev := range evs {
		if ev.EventName == name {
			return ev, true
		}
	}
	return domain.ConversionEvent{}, false
}

// firstQualifyingFrom ignores conversions before from; those are prior
// conversions and are inherited in pass 2a.
func firstQualifyingFrom(evs []domain.ConversionEvent, from time.Time) (domain.ConversionEvent, bool) {
	for _, ev := range evs {
		if ev.EventName.IsQualifying() && !ev.EventTime.Before(from) {
			return ev, true
		}
	}
	return domain.ConversionEvent{}, false
}

// referenceTime is the moment the pair entered its current lifecycle path:
// the first trial event for trial pairs, otherwise the first event.
func referenceTime(evs []domain.ConversionEvent, eventType domain.EventName) time.Time {
	if eventType == domain.EventTrialConverted {
		for _, ev := range evs {
			if ev.EventName == domain.EventTrialStarted || ev.EventName == domain.EventTrialConverted {
				return ev.EventTime
			}
		}
	}
	if len(evs) > 0 {
		return evs[0].EventTime
	}
	return time.Time{}
}
