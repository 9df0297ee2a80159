package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ignite/cohort-estimator/internal/config"
	"github.com/ignite/cohort-estimator/internal/domain"
	"github.com/ignite/cohort-estimator/internal/export"
	"github.com/ignite/cohort-estimator/internal/pkg/distlock"
	"github.com/ignite/cohort-estimator/internal/repository/memory"
	"github.com/ignite/cohort-estimator/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var asOf = time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)

func at(month time.Month, day, hour int) time.Time {
	return time.Date(2025, month, day, hour, 0, 0, 0, time.UTC)
}

type seeder struct {
	st *memory.Store
	n  int
}

func (s *seeder) event(user, product string, name domain.EventName, t time.Time, amount float64) {
	s.n++
	s.st.AddEvents(domain.ConversionEvent{
		EventID:       fmt.Sprintf("ev-%04d", s.n),
		DistinctID:    user,
		ProductID:     product,
		EventName:     name,
		EventTime:     t,
		RevenueAmount: amount,
		Currency:      "USD",
		Country:       "US",
		Store:         "app_store",
	})
}

// seedCohort loads fourteen trial users of "pro", seven of whom convert at
// 9.99 (one refunded), three cancel and four stay pending, plus one direct
// purchaser without attribution.
func seedCohort(st *memory.Store) {
	s := &seeder{st: st}
	for i := 1; i <= 14; i++ {
		user := fmt.Sprintf("u%02d", i)
		st.SetUserDimensions(domain.UserDimensions{DistinctID: user, Country: "US", Region: "CA", Store: "app_store", EconomicTier: "high"})
		st.AddAttribution(domain.Attribution{DistinctID: user, ProductID: "pro", EntityID: "ad-1"})
		s.event(user, "pro", domain.EventTrialStarted, at(time.September, 1, 10), 0)
		switch {
		case i <= 7:
			s.event(user, "pro", domain.EventTrialConverted, at(time.September, 4, 10), 9.99)
		case i <= 10:
			s.event(user, "pro", domain.EventCancellation, at(time.September, 3, 10), 0)
		}
	}
	s.event("u01", "pro", domain.EventRefund, at(time.September, 10, 9), 9.99)

	st.SetUserDimensions(domain.UserDimensions{DistinctID: "u15", Country: "US", Region: "CA", Store: "app_store", EconomicTier: "high"})
	s.event("u15", "pro", domain.EventInitialPurchase, at(time.September, 20, 12), 29.99)

	st.AddDelivery(domain.DeliveryStats{EntityID: "ad-1", Date: at(time.September, 1, 0), Spend: 100, Impressions: 1000, Clicks: 50, ReportedTrialCount: 14})
}

func newTestRunner(st store.Store, options ...Option) *Runner {
	opts := DefaultOptions()
	opts.Workers = 3
	opts.LockAttempts = 1
	opts.LockBackoff = time.Millisecond
	return NewRunner(st, opts, options...)
}

func TestRun_EndToEnd(t *testing.T) {
	st := memory.New()
	seedCohort(st)
	ctx := context.Background()

	rep, err := newTestRunner(st).Run(ctx, asOf)
	require.NoError(t, err)

	assert.Equal(t, domain.RunComplete, rep.Run.Status)
	assert.Equal(t, 1, rep.Products)
	assert.Equal(t, 1, rep.Partitions)
	assert.Equal(t, 15, rep.Pairs)
	assert.Zero(t, rep.ExcludedPairs)
	assert.Zero(t, rep.ValidationErrors)
	assert.Equal(t, 15, rep.Accuracy[domain.AccuracyVeryHigh])

	pending, err := st.GetPair(ctx, rep.Run.ID, "u11", "pro")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTrialPending, pending.CurrentStatus)
	assert.Equal(t, domain.ValueEstimated, pending.ValueStatus)
	assert.Equal(t, domain.AssignInheritedClosest, pending.AssignmentType)
	assert.Equal(t, 1, pending.PriceBucket)
	assert.Equal(t, domain.MaxLevel, pending.ResolvedLevel)
	assert.InDelta(t, 0.5, pending.TrialConversionRate, 1e-6)
	// 9.99 × 0.5 × (1 − 1/7)
	assert.InDelta(t, 4.2814, pending.CurrentValue, 0.001)

	refunded, err := st.GetPair(ctx, rep.Run.ID, "u01", "pro")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPurchaseRefunded, refunded.CurrentStatus)
	assert.Equal(t, domain.ValueActual, refunded.ValueStatus)
	assert.InDelta(t, 0, refunded.CurrentValue, 1e-9)

	rows, err := st.ListRollups(ctx, rep.Run.ID, "ad-1")
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	first := rows[0]
	assert.True(t, first.Date.Equal(at(time.September, 1, 0)))
	assert.Equal(t, 14, first.Daily.TrialStarted)
	require.NotNil(t, first.Delivery)
	assert.InDelta(t, 1.0, first.Ratios.TrialAccuracy, 1e-9)
	assert.InDelta(t, 0.05, first.Ratios.CTR, 1e-9)

	// u15 has no attribution, so only ad-1 rolls up
	all, err := st.ListRollups(ctx, rep.Run.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, len(rows))
}

func TestRun_RepeatedRunsAgree(t *testing.T) {
	st := memory.New()
	seedCohort(st)
	ctx := context.Background()
	r := newTestRunner(st)

	a, err := r.Run(ctx, asOf)
	require.NoError(t, err)
	b, err := r.Run(ctx, asOf)
	require.NoError(t, err)

	pa, err := st.LoadPairs(ctx, a.Run.ID, store.PairFilter{})
	require.NoError(t, err)
	pb, err := st.LoadPairs(ctx, b.Run.ID, store.PairFilter{})
	require.NoError(t, err)
	require.Len(t, pb, len(pa))
	for i := range pa {
		pa[i].RatesRunID, pb[i].RatesRunID = "", ""
		assert.Equal(t, pa[i], pb[i])
	}

	ra, err := st.ListRollups(ctx, a.Run.ID, "")
	require.NoError(t, err)
	rb, err := st.ListRollups(ctx, b.Run.ID, "")
	require.NoError(t, err)
	require.Len(t, rb, len(ra))
	for i := range ra {
		ra[i].RunID, rb[i].RunID = "", ""
		assert.Equal(t, ra[i], rb[i])
	}
}

func TestRun_CorruptEventAbortsRun(t *testing.T) {
	st := memory.New()
	seedCohort(st)
	st.AddEvents(domain.ConversionEvent{EventID: "bad", DistinctID: "u99", ProductID: "pro", EventName: "renewal", EventTime: at(time.September, 2, 0)})
	ctx := context.Background()

	_, err := newTestRunner(st).Run(ctx, asOf)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptInput)

	runs, err := st.ListRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "renewal")
}

func TestRun_UnknownDimensionValueIsExcluded(t *testing.T) {
	st := memory.New()
	seedCohort(st)
	st.SetUserDimensions(domain.UserDimensions{DistinctID: "u14", Country: "ZZ", Region: "", Store: "app_store", EconomicTier: "high"})
	ctx := context.Background()

	opts := DefaultOptions()
	opts.Reference = NewReference(config.ReferenceConfig{Countries: []string{"US"}})
	rep, err := NewRunner(st, opts).Run(ctx, asOf)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.ExcludedPairs)
	assert.Equal(t, 2, rep.Partitions)
	p, err := st.GetPair(ctx, rep.Run.ID, "u14", "pro")
	require.NoError(t, err)
	assert.False(t, p.ValidLifecycle)
	assert.Equal(t, "ZZ", p.Country)
}

// flakyStore fails the final rollup write until healed.
type flakyStore struct {
	*memory.Store
	broken bool
}

func (f *flakyStore) SaveRollups(ctx context.Context, runID string, rows []domain.RollupRow) error {
	if f.broken {
		return errors.New("connection reset")
	}
	return f.Store.SaveRollups(ctx, runID, rows)
}

func TestResume_SkipsCheckpointedPartitions(t *testing.T) {
	mem := memory.New()
	seedCohort(mem)
	st := &flakyStore{Store: mem, broken: true}
	ctx := context.Background()
	r := newTestRunner(st)

	_, err := r.Run(ctx, asOf)
	require.Error(t, err)
	runs, err := st.ListRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	runID := runs[0].ID
	assert.Equal(t, domain.RunFailed, runs[0].Status)

	st.broken = false
	rep, err := r.Resume(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, runID, rep.Run.ID)
	assert.Equal(t, domain.RunComplete, rep.Run.Status)
	assert.True(t, rep.Run.AsOf.Equal(asOf))
	assert.Equal(t, 1, rep.Skipped[domain.StageBuckets])
	assert.Equal(t, 1, rep.Skipped[domain.StageRates])
	assert.Equal(t, 1, rep.Skipped[domain.StageTimeline])
	assert.NotZero(t, rep.RollupRows)
}

func TestResume_Errors(t *testing.T) {
	st := memory.New()
	seedCohort(st)
	ctx := context.Background()
	r := newTestRunner(st)

	_, err := r.Resume(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	rep, err := r.Run(ctx, asOf)
	require.NoError(t, err)
	_, err = r.Resume(ctx, rep.Run.ID)
	assert.ErrorIs(t, err, ErrRunComplete)
}

func TestRun_RedisLocksAndCheckpoints(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	st := memory.New()
	seedCohort(st)
	ctx := context.Background()

	locks := func(key string) distlock.DistLock { return distlock.NewRedisLock(rdb, key, time.Minute) }
	cp := NewRedisCheckpoints(rdb, 0)
	rep, err := newTestRunner(st, WithLocks(locks), WithCheckpoints(cp)).Run(ctx, asOf)
	require.NoError(t, err)

	done, err := cp.Done(ctx, rep.Run.ID, domain.StageTimeline, "US|pro")
	require.NoError(t, err)
	assert.True(t, done)
	// partition locks are released once the partition is published
	assert.False(t, mr.Exists("lock:"+distlock.PartitionKey(rep.Run.ID, string(domain.StageBuckets), "US|pro")))
}

func TestResume_PartitionLockedByAnotherWorker(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	st := memory.New()
	seedCohort(st)
	ctx := context.Background()
	require.NoError(t, st.CreateRun(ctx, domain.Run{ID: "run-locked", AsOf: asOf, Status: domain.RunRunning, StartedAt: asOf}))

	held := distlock.NewRedisLock(rdb, distlock.PartitionKey("run-locked", string(domain.StageBuckets), "US|pro"), time.Minute)
	ok, err := held.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	locks := func(key string) distlock.DistLock { return distlock.NewRedisLock(rdb, key, time.Minute) }
	_, err = newTestRunner(st, WithLocks(locks)).Resume(ctx, "run-locked")
	require.Error(t, err)
	assert.ErrorIs(t, err, distlock.ErrNotAcquired)

	run, err := st.GetRun(ctx, "run-locked")
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
}

type recordingExporter struct {
	runID    string
	products []string
}

func (e *recordingExporter) Export(_ context.Context, st store.Store, runID string, products []string) (*export.Manifest, error) {
	e.runID, e.products = runID, products
	run, err := st.GetRun(context.Background(), runID)
	if err != nil {
		return nil, err
	}
	return &export.Manifest{Run: *run, Products: products}, nil
}

func TestRun_ExportsCompletedRun(t *testing.T) {
	st := memory.New()
	seedCohort(st)
	ex := &recordingExporter{}

	rep, err := newTestRunner(st, WithExporter(ex)).Run(context.Background(), asOf)
	require.NoError(t, err)
	assert.Equal(t, rep.Run.ID, ex.runID)
	assert.Equal(t, []string{"pro"}, ex.products)
	require.NotNil(t, rep.Export)
	assert.Equal(t, domain.RunComplete, rep.Export.Run.Status)
}

func TestRedisCheckpoints(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	cp := NewRedisCheckpoints(rdb, time.Hour)
	done, err := cp.Done(ctx, "r1", domain.StageBuckets, "US|pro")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, cp.MarkDone(ctx, "r1", domain.StageBuckets, "US|pro"))
	done, err = cp.Done(ctx, "r1", domain.StageBuckets, "US|pro")
	require.NoError(t, err)
	assert.True(t, done)

	done, err = cp.Done(ctx, "r1", domain.StageRates, "US|pro")
	require.NoError(t, err)
	assert.False(t, done)

	assert.Equal(t, time.Hour, mr.TTL("estimator:checkpoint:r1:buckets"))
}

func TestReference_Check(t *testing.T) {
	ref := NewReference(config.ReferenceConfig{Countries: []string{"US", "GB"}, Stores: []string{"app_store"}})
	assert.NoError(t, ref.Check(domain.UserProductPair{Country: "US", Store: "app_store", EconomicTier: "anything"}))
	assert.Error(t, ref.Check(domain.UserProductPair{Country: "FR", Store: "app_store"}))
	assert.Error(t, ref.Check(domain.UserProductPair{Country: "GB", Store: "play_store"}))
	assert.NoError(t, NewReference(config.ReferenceConfig{}).Check(domain.UserProductPair{}))
}
