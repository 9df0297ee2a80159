package pipeline

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ignite/cohort-estimator/internal/accuracy"
	"github.com/ignite/cohort-estimator/internal/bucket"
	"github.com/ignite/cohort-estimator/internal/domain"
	"github.com/ignite/cohort-estimator/internal/lifecycle"
	"github.com/ignite/cohort-estimator/internal/pkg/logger"
	"github.com/ignite/cohort-estimator/internal/segment"
	"github.com/ignite/cohort-estimator/internal/store"
	"github.com/ignite/cohort-estimator/internal/timeline"
)

func partitionKeys(parts []domain.PartitionKey) ([]string, map[string]domain.PartitionKey) {
	keys := make([]string, len(parts))
	byKey := make(map[string]domain.PartitionKey, len(parts))
	for i, p := range parts {
		keys[i] = p.String()
		byKey[keys[i]] = p
	}
	return keys, byKey
}

// bucketStage clusters prices and assigns a bucket to every pair, one
// (country, product) partition at a time.
func (r *Runner) bucketStage(ctx context.Context, run domain.Run, pl *plan, rep *Report) error {
	var skipped partitionCounter
	var unmatched, missing atomic.Int64
	keys, byKey := partitionKeys(pl.partitions)

	err := r.forEach(ctx, domain.StageBuckets, keys, func(ctx context.Context, key string) error {
		part := byKey[key]
		return r.guard(ctx, run.ID, domain.StageBuckets, key, &skipped, func(ctx context.Context) error {
			res := r.assigner.Assign(bucket.PartitionInput{
				Partition: part,
				Pairs:     pl.pairs[part],
				Events:    pl.events,
			})
			if err := r.store.SaveBuckets(ctx, run.ID, res.Buckets); err != nil {
				return fmt.Errorf("save buckets: %w", err)
			}
			if err := r.store.SavePairs(ctx, run.ID, res.Pairs); err != nil {
				return fmt.Errorf("save pairs: %w", err)
			}
			unmatched.Add(int64(res.Unmatched))
			missing.Add(int64(res.MissingPrice))
			return nil
		})
	})
	rep.Skipped[domain.StageBuckets] = int(skipped.n.Load())
	if err != nil {
		return err
	}
	log.Printf("[BucketStage] Run %s: %d partitions (%d resumed), %d unmatched prices, %d qualifying events without price",
		run.ID, len(keys), skipped.n.Load(), unmatched.Load(), missing.Load())
	return nil
}

// rateStage resolves segment rates per product. Every hierarchy level keeps
// product_id, so products are independent, while levels below country need
// all of a product's countries at once.
func (r *Runner) rateStage(ctx context.Context, run domain.Run, pl *plan, rep *Report) error {
	loaded := make(map[string][]domain.UserProductPair, len(pl.products))
	members := make(map[string][]segment.Member, len(pl.products))
	var all []segment.Member
	for _, productID := range pl.products {
		pairs, err := r.store.LoadPairs(ctx, run.ID, store.PairFilter{ProductID: productID})
		if err != nil {
			return fmt.Errorf("load pairs for %s: %w", productID, err)
		}
		ms := make([]segment.Member, len(pairs))
		for i, p := range pairs {
			ms[i] = segment.Member{Pair: p, Outcome: lifecycle.Replay(pl.events[p.Key()])}
		}
		loaded[productID] = pairs
		members[productID] = ms
		all = append(all, ms...)
	}
	rlog := logger.With("run_id", run.ID, "stage", domain.StageRates)
	global := segment.GlobalRates(all)
	rlog.Info("global default rates",
		"trial_conversion_rate", global.TrialConversionRate,
		"trial_converted_to_refund_rate", global.TrialConvertedToRefundRate,
		"initial_purchase_to_refund_rate", global.InitialPurchaseToRefundRate)

	var skipped partitionCounter
	err := r.forEach(ctx, domain.StageRates, pl.products, func(ctx context.Context, productID string) error {
		return r.guard(ctx, run.ID, domain.StageRates, productID, &skipped, func(ctx context.Context) error {
			h := segment.Build(run.ID, productID, run.AsOf, r.opts.Segment, members[productID], global)
			pairs, verrs := h.Apply(loaded[productID])
			if err := r.store.SavePairs(ctx, run.ID, pairs); err != nil {
				return fmt.Errorf("save pairs: %w", err)
			}
			if err := r.store.SaveResolutions(ctx, run.ID, h.Resolutions()); err != nil {
				return fmt.Errorf("save resolutions: %w", err)
			}
			if err := r.store.SaveNodes(ctx, run.ID, h.Nodes()); err != nil {
				return fmt.Errorf("save segment nodes: %w", err)
			}
			if err := r.store.SaveValidationErrors(ctx, run.ID, verrs); err != nil {
				return fmt.Errorf("save validation errors: %w", err)
			}
			for _, v := range verrs {
				rlog.Warn("segment rates inconsistent", "product_id", productID, "path", v.Path, "pairs", len(v.DistinctIDs))
			}
			return nil
		})
	})
	rep.Skipped[domain.StageRates] = int(skipped.n.Load())
	if err != nil {
		return err
	}
	log.Printf("[RateStage] Run %s: %d products (%d resumed)", run.ID, len(pl.products), skipped.n.Load())
	return nil
}

// bucketPrices looks up representative prices by bucket key and id.
type bucketPrices map[domain.BucketKey]domain.PriceBucket

func newBucketPrices(buckets []domain.PriceBucket) bucketPrices {
	out := make(bucketPrices, len(buckets))
	for _, b := range buckets {
		out[b.Key] = b
	}
	return out
}

// price returns 0 for bucket 0 or a bucket the run never built.
func (bp bucketPrices) price(p domain.UserProductPair) float64 {
	if p.PriceBucket == 0 {
		return 0
	}
	b, ok := bp[domain.BucketKey{Country: p.Country, ProductID: p.ProductID, EventType: p.BucketEventType}]
	if !ok {
		return 0
	}
	c, ok := b.Cluster(p.PriceBucket)
	if !ok {
		return 0
	}
	return c.RepresentativePrice
}

// timelineStage generates per-pair timelines and writes each partition's
// rollup contribution. Pairs without attribution still get a timeline and
// a settled current value but feed no entity rollup.
func (r *Runner) timelineStage(ctx context.Context, run domain.Run, pl *plan, rep *Report) error {
	var skipped partitionCounter
	var unattributed atomic.Int64
	keys, byKey := partitionKeys(pl.partitions)

	err := r.forEach(ctx, domain.StageTimeline, keys, func(ctx context.Context, key string) error {
		part := byKey[key]
		return r.guard(ctx, run.ID, domain.StageTimeline, key, &skipped, func(ctx context.Context) error {
			pairs, err := r.store.LoadPairs(ctx, run.ID, store.PairFilter{ProductID: part.ProductID, Country: part.Country})
			if err != nil {
				return fmt.Errorf("load pairs: %w", err)
			}
			buckets, err := r.store.LoadBuckets(ctx, run.ID, part.ProductID)
			if err != nil {
				return fmt.Errorf("load buckets: %w", err)
			}
			prices := newBucketPrices(buckets)

			roll := timeline.NewRollup()
			out := make([]domain.UserProductPair, 0, len(pairs))
			for _, p := range pairs {
				tl := timeline.Generate(timeline.Input{
					Pair:                p,
					Events:              pl.events[p.Key()],
					RepresentativePrice: prices.price(p),
				}, run.AsOf)
				out = append(out, tl.Pair)
				entity, ok := pl.attribution[p.Key()]
				if !ok {
					unattributed.Add(1)
					continue
				}
				roll.Add(entity, tl)
			}

			if err := r.store.SavePairs(ctx, run.ID, out); err != nil {
				return fmt.Errorf("save pairs: %w", err)
			}
			if err := r.store.SavePartialRollups(ctx, run.ID, key, roll.Rows(run.ID)); err != nil {
				return fmt.Errorf("save partial rollups: %w", err)
			}
			return nil
		})
	})
	rep.Skipped[domain.StageTimeline] = int(skipped.n.Load())
	if err != nil {
		return err
	}
	log.Printf("[TimelineStage] Run %s: %d partitions (%d resumed), %d pairs without attribution",
		run.ID, len(keys), skipped.n.Load(), unattributed.Load())
	return nil
}

// finalize merges the partition rollups, scores them against the delivery
// feed and publishes the run.
func (r *Runner) finalize(ctx context.Context, run domain.Run, pl *plan, rep *Report) error {
	partials, err := r.store.LoadPartialRollups(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("load partial rollups: %w", err)
	}
	roll := timeline.NewRollup()
	roll.AddRows(partials)
	series := timeline.ByEntity(roll.Rows(run.ID))

	entities := make([]string, 0, len(series))
	for e := range series {
		entities = append(entities, e)
	}
	sort.Strings(entities)

	delivery, err := r.refs.LoadDelivery(ctx, entities)
	if err != nil {
		return fmt.Errorf("load delivery: %w", err)
	}
	byEntity := make(map[string]map[time.Time]domain.DeliveryStats)
	for _, d := range delivery {
		if byEntity[d.EntityID] == nil {
			byEntity[d.EntityID] = make(map[time.Time]domain.DeliveryStats)
		}
		byEntity[d.EntityID][domain.Day(d.Date)] = d
	}

	rows := make([]domain.RollupRow, 0, roll.Len())
	for _, e := range entities {
		s := series[e]
		accuracy.ScoreSeries(s, byEntity[e])
		rows = append(rows, s...)
	}
	if err := r.store.SaveRollups(ctx, run.ID, rows); err != nil {
		return fmt.Errorf("save rollups: %w", err)
	}
	rep.RollupRows = len(rows)

	verrs, err := r.store.ListValidationErrors(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list validation errors: %w", err)
	}
	rep.ValidationErrors = len(verrs)

	rep.Accuracy = make(map[domain.AccuracyScore]int)
	for _, productID := range pl.products {
		pairs, err := r.store.LoadPairs(ctx, run.ID, store.PairFilter{ProductID: productID})
		if err != nil {
			return fmt.Errorf("load pairs for %s: %w", productID, err)
		}
		for score, n := range accuracy.Summary(pairs) {
			rep.Accuracy[score] += n
		}
	}

	if err := r.store.FinishRun(ctx, run.ID, domain.RunComplete, "", r.now().UTC()); err != nil {
		return fmt.Errorf("publish run: %w", err)
	}
	finished, err := r.store.GetRun(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("reload run: %w", err)
	}
	rep.Run = *finished

	if r.exporter != nil {
		// the run is already published; a failed export is retried with
		// "estimator export" rather than failing the run
		m, err := r.exporter.Export(ctx, r.store, run.ID, pl.products)
		if err != nil {
			logger.With("run_id", run.ID).Error("run export failed", "error", err)
		} else {
			rep.Export = m
		}
	}
	return nil
}
