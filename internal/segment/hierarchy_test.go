package segment

import (
	"fmt"
	"testing"
	"time"

	"github.com/ignite/cohort-estimator/internal/domain"
	"github.com/ignite/cohort-estimator/internal/lifecycle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var asOf = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

// inWindow is a credited date safely inside the cohort window.
var inWindow = asOf.AddDate(0, 0, -20)

func member(id, country, region string, credited time.Time, converted bool) Member {
	return Member{
		Pair: domain.UserProductPair{
			DistinctID:     id,
			ProductID:      "pro",
			PriceBucket:    1,
			Store:          "app_store",
			EconomicTier:   "tier1",
			Country:        country,
			Region:         region,
			CreditedDate:   credited,
			ValidLifecycle: true,
		},
		Outcome: lifecycle.Outcome{
			Status:         domain.StatusTrialConverted,
			TrialStarted:   true,
			TrialConverted: converted,
		},
	}
}

func cohort(prefix, country, region string, n, converted int) []Member {
	out := make([]Member, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, member(fmt.Sprintf("%s%02d", prefix, i), country, region, inWindow, i < converted))
	}
	return out
}

func tupleOf(country, region string) domain.SegmentTuple {
	return domain.SegmentTuple{ProductID: "pro", PriceBucket: 1, Store: "app_store", EconomicTier: "tier1", Country: country, Region: region}
}

func TestWindow_Bounds(t *testing.T) {
	w := NewWindow(asOf, DefaultConfig())
	assert.Equal(t, time.Date(2026, 9, 23, 0, 0, 0, 0, time.UTC), w.To)
	assert.Equal(t, time.Date(2026, 8, 9, 0, 0, 0, 0, time.UTC), w.From)

	assert.True(t, w.Contains(w.To.Add(23*time.Hour)))
	assert.True(t, w.Contains(w.From))
	assert.False(t, w.Contains(w.From.Add(-time.Second)))
	assert.False(t, w.Contains(w.To.AddDate(0, 0, 1)))
}

func TestResolve_FallsBackToFirstViableLevel(t *testing.T) {
	members := append(cohort("us", "US", "CA", 11, 5), cohort("ca", "CA", "ON", 4, 4)...)
	h := Build("run-1", "pro", asOf, DefaultConfig(), members, domain.RateSet{})

	res := h.Resolve(tupleOf("US", "CA"))
	assert.Equal(t, 3, res.Level)
	assert.Equal(t, domain.AccuracyMedium, res.Accuracy)
	assert.Equal(t, 15, res.CohortUserCount)
	assert.Equal(t, "product_id=pro|price_bucket=1|store=app_store|economic_tier=tier1", res.ResolvedKey)
	assert.InDelta(t, 0.6, res.Rates.TrialConversionRate, 1e-9)
}

func TestResolve_FullSpecificity(t *testing.T) {
	h := Build("run-1", "pro", asOf, DefaultConfig(), cohort("us", "US", "CA", 12, 6), domain.RateSet{})

	res := h.Resolve(tupleOf("US", "CA"))
	assert.Equal(t, domain.MaxLevel, res.Level)
	assert.Equal(t, domain.AccuracyVeryHigh, res.Accuracy)
	assert.InDelta(t, 0.5, res.Rates.TrialConversionRate, 1e-9)
}

func TestResolve_GlobalDefault(t *testing.T) {
	members := cohort("us", "US", "CA", 5, 1)
	global := domain.RateSet{TrialConversionRate: 0.3, InitialPurchaseToRefundRate: 0.05}
	h := Build("run-1", "pro", asOf, DefaultConfig(), members, global)

	res := h.Resolve(tupleOf("US", "CA"))
	assert.Equal(t, domain.GlobalLevel, res.Level)
	assert.Equal(t, domain.AccuracyDefault, res.Accuracy)
	assert.Equal(t, "global", res.ResolvedKey)
	assert.Equal(t, global, res.Rates)
}

func TestResolve_OutOfWindowMembersDoNotCount(t *testing.T) {
	members := cohort("us", "US", "CA", 6, 6)
	for i := 0; i < 10; i++ {
		members = append(members, member(fmt.Sprintf("old%02d", i), "US", "CA", asOf.AddDate(0, 0, -90), false))
	}
	h := Build("run-1", "pro", asOf, DefaultConfig(), members, domain.RateSet{})

	res := h.Resolve(tupleOf("US", "CA"))
	assert.Equal(t, domain.GlobalLevel, res.Level)

	for _, n := range h.Nodes() {
		if n.Level == domain.MaxLevel {
			assert.Equal(t, 6, n.CohortUserCount)
			assert.Equal(t, 16, n.TotalUserCount)
			assert.False(t, n.IsViable)
		}
	}
}

func TestResolve_InvalidLifecycleExcluded(t *testing.T) {
	members := cohort("us", "US", "CA", 12, 12)
	members[0].Pair.ValidLifecycle = false
	h := Build("run-1", "pro", asOf, DefaultConfig(), members, domain.RateSet{})

	res := h.Resolve(tupleOf("US", "CA"))
	assert.Equal(t, domain.GlobalLevel, res.Level)
}

func TestResolve_LevelNeverIncreasesAsCohortsShrink(t *testing.T) {
	prev := domain.MaxLevel
	for _, n := range []int{12, 10, 8, 6} {
		members := append(cohort("a", "US", "CA", n, 1), cohort("b", "US", "WA", 4, 1)...)
		members = append(members, cohort("c", "GB", "LN", 4, 1)...)
		h := Build("run-1", "pro", asOf, DefaultConfig(), members, domain.RateSet{})
		res := h.Resolve(tupleOf("US", "CA"))
		assert.LessOrEqual(t, res.Level, prev, "cohort size %d", n)
		prev = res.Level
	}
}

func TestRates_ZeroDenominators(t *testing.T) {
	members := cohort("ip", "US", "CA", 12, 0)
	for i := range members {
		members[i].Outcome = lifecycle.Outcome{Status: domain.StatusInitialPurchase, InitialPurchase: true}
	}
	h := Build("run-1", "pro", asOf, DefaultConfig(), members, domain.RateSet{})

	res := h.Resolve(tupleOf("US", "CA"))
	require.Equal(t, domain.MaxLevel, res.Level)
	assert.Zero(t, res.Rates.TrialConversionRate)
	assert.Zero(t, res.Rates.TrialConvertedToRefundRate)
	assert.Zero(t, res.Rates.InitialPurchaseToRefundRate)
}

func TestGlobalRates_IgnoresWindow(t *testing.T) {
	members := []Member{
		member("a", "US", "CA", inWindow, true),
		member("b", "US", "CA", asOf.AddDate(-1, 0, 0), false),
	}
	assert.InDelta(t, 0.5, GlobalRates(members).TrialConversionRate, 1e-9)
}

func TestApply_AttachesRatesAndIsIdempotent(t *testing.T) {
	members := cohort("us", "US", "CA", 12, 3)
	pairs := make([]domain.UserProductPair, len(members))
	for i, m := range members {
		pairs[len(members)-1-i] = m.Pair
	}

	h := Build("run-1", "pro", asOf, DefaultConfig(), members, domain.RateSet{})
	first, errs := h.Apply(pairs)
	require.Empty(t, errs)
	require.Len(t, first, 12)
	assert.Equal(t, "us00", first[0].DistinctID)
	for _, p := range first {
		assert.Equal(t, "run-1", p.RatesRunID)
		assert.Equal(t, domain.AccuracyVeryHigh, p.AccuracyScore)
		assert.InDelta(t, 0.25, p.TrialConversionRate, 1e-9)
	}

	again := Build("run-1", "pro", asOf, DefaultConfig(), members, domain.RateSet{})
	second, errs := again.Apply(first)
	require.Empty(t, errs)
	assert.Equal(t, first, second)
}

func TestApply_ReportsDivergentLeafRates(t *testing.T) {
	members := cohort("us", "US", "CA", 12, 6)
	pairs := make([]domain.UserProductPair, len(members))
	for i, m := range members {
		pairs[i] = m.Pair
	}
	pairs[3].RatesRunID = "run-1"
	pairs[3].TrialConversionRate = 0.9

	h := Build("run-1", "pro", asOf, DefaultConfig(), members, domain.RateSet{})
	out, errs := h.Apply(pairs)
	require.Len(t, errs, 1)
	assert.Equal(t, tupleOf("US", "CA").Key(), errs[0].Path)
	assert.Equal(t, []string{"us03"}, errs[0].DistinctIDs)

	for _, p := range out {
		assert.InDelta(t, 0.5, p.TrialConversionRate, 1e-9)
	}
	for _, n := range h.Nodes() {
		if n.Key == errs[0].Path {
			assert.False(t, n.RatesConsistent)
		}
	}
}

func TestApply_RatesFromOtherRunAreNotErrors(t *testing.T) {
	members := cohort("us", "US", "CA", 12, 6)
	pairs := []domain.UserProductPair{members[0].Pair}
	pairs[0].RatesRunID = "run-0"
	pairs[0].TrialConversionRate = 0.9

	h := Build("run-1", "pro", asOf, DefaultConfig(), members, domain.RateSet{})
	_, errs := h.Apply(pairs)
	assert.Empty(t, errs)
}

func TestNodes_OrderedByLevelThenKey(t *testing.T) {
	members := append(cohort("us", "US", "CA", 3, 1), cohort("gb", "GB", "LN", 3, 1)...)
	h := Build("run-1", "pro", asOf, DefaultConfig(), members, domain.RateSet{})

	nodes := h.Nodes()
	require.NotEmpty(t, nodes)
	for i := 1; i < len(nodes); i++ {
		a, b := nodes[i-1], nodes[i]
		assert.True(t, a.Level < b.Level || (a.Level == b.Level && a.Key < b.Key))
	}
	assert.Equal(t, 0, nodes[0].Level)
	assert.Equal(t, 6, nodes[0].CohortUserCount)
}

func TestResolve_ConversionsWithoutObservedStartKeepRatesBounded(t *testing.T) {
	var members []Member
	for i := 0; i < 12; i++ {
		m := member(fmt.Sprintf("u%02d", i), "US", "CA", inWindow, false)
		if i >= 2 {
			// the trial began before the event stream did
			m.Outcome = lifecycle.Replay([]domain.ConversionEvent{{
				EventID: "c", DistinctID: m.Pair.DistinctID, ProductID: "pro",
				EventName: domain.EventTrialConverted, EventTime: inWindow, RevenueAmount: 9.99,
			}})
		}
		members = append(members, m)
	}
	h := Build("run-1", "pro", asOf, DefaultConfig(), members, GlobalRates(members))

	res := h.Resolve(tupleOf("US", "CA"))
	require.Equal(t, domain.MaxLevel, res.Level)
	assert.InDelta(t, 0.833333, res.Rates.TrialConversionRate, 1e-6)
	for _, r := range []domain.RateSet{res.Rates, GlobalRates(members)} {
		assert.GreaterOrEqual(t, r.TrialConversionRate, 0.0)
		assert.LessOrEqual(t, r.TrialConversionRate, 1.0)
		assert.LessOrEqual(t, r.TrialConvertedToRefundRate, 1.0)
		assert.LessOrEqual(t, r.InitialPurchaseToRefundRate, 1.0)
	}
}
