package memory

import (
	"context"
	"testing"
	"time"

	"github.com/ignite/cohort-estimator/internal/domain"
	"github.com/ignite/cohort-estimator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

func TestEvents_FilteredAndOrdered(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.AddEvents(
		domain.ConversionEvent{EventID: "b", ProductID: "pro", EventTime: t0},
		domain.ConversionEvent{EventID: "a", ProductID: "pro", EventTime: t0},
		domain.ConversionEvent{EventID: "c", ProductID: "lite", EventTime: t0.Add(time.Hour)},
		domain.ConversionEvent{EventID: "d", ProductID: "pro", EventTime: t0.AddDate(0, 0, 5)},
	)

	products, err := s.ListProducts(ctx, t0.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, []string{"lite", "pro"}, products)

	evs, err := s.LoadEvents(ctx, "pro", t0.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "a", evs[0].EventID)
}

func TestRuns_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.CreateRun(ctx, domain.Run{ID: "r1", Status: domain.RunRunning, StartedAt: t0}))
	require.NoError(t, s.CreateRun(ctx, domain.Run{ID: "r2", Status: domain.RunRunning, StartedAt: t0.Add(time.Hour)}))
	require.NoError(t, s.FinishRun(ctx, "r1", domain.RunFailed, "boom", t0.Add(time.Minute)))

	r, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, r.Status)
	assert.Equal(t, "boom", r.Error)

	require.NoError(t, s.ReopenRun(ctx, "r1"))
	r, _ = s.GetRun(ctx, "r1")
	assert.Equal(t, domain.RunRunning, r.Status)
	assert.Nil(t, r.CompletedAt)

	runs, err := s.ListRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r2", runs[0].ID)

	_, err = s.LatestRun(ctx, domain.RunComplete)
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, s.FinishRun(ctx, "r1", domain.RunComplete, "", t0.Add(2*time.Minute)))
	latest, err := s.LatestRun(ctx, domain.RunComplete)
	require.NoError(t, err)
	assert.Equal(t, "r1", latest.ID)
}

func TestPairs_UpsertAndFilter(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.SavePairs(ctx, "r1", []domain.UserProductPair{
		{DistinctID: "u2", ProductID: "pro", Country: "US"},
		{DistinctID: "u1", ProductID: "pro", Country: "GB"},
		{DistinctID: "u1", ProductID: "lite", Country: "GB"},
	}))
	require.NoError(t, s.SavePairs(ctx, "r1", []domain.UserProductPair{
		{DistinctID: "u2", ProductID: "pro", Country: "US", PriceBucket: 3},
	}))

	got, err := s.LoadPairs(ctx, "r1", store.PairFilter{ProductID: "pro"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "u1", got[0].DistinctID)
	assert.Equal(t, 3, got[1].PriceBucket)

	got, err = s.LoadPairs(ctx, "r1", store.PairFilter{ProductID: "pro", Country: "US"})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = s.LoadPairs(ctx, "r1", store.PairFilter{ProductID: "pro", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	n, err := s.CountPairs(ctx, "r1", store.PairFilter{ProductID: "pro", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.GetPair(ctx, "r2", "u1", "pro")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestNodes_FilterAndPage(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.SaveNodes(ctx, "r1", []domain.SegmentNode{
		{Key: "b", Level: 1, ProductID: "pro", IsViable: true},
		{Key: "a", Level: 1, ProductID: "pro"},
		{Key: "z", Level: 0, ProductID: "pro", IsViable: true},
	}))

	nodes, total, err := s.ListNodes(ctx, "r1", store.NodeFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, nodes, 2)
	assert.Equal(t, "z", nodes[0].Key)
	assert.Equal(t, "a", nodes[1].Key)

	level := 1
	nodes, total, err = s.ListNodes(ctx, "r1", store.NodeFilter{Level: &level, ViableOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "b", nodes[0].Key)
}

func TestCheckpoints(t *testing.T) {
	ctx := context.Background()
	s := New()
	done, err := s.Done(ctx, "r1", domain.StageBuckets, "US|pro")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, s.MarkDone(ctx, "r1", domain.StageBuckets, "US|pro"))
	done, _ = s.Done(ctx, "r1", domain.StageBuckets, "US|pro")
	assert.True(t, done)
	done, _ = s.Done(ctx, "r1", domain.StageRates, "US|pro")
	assert.False(t, done)
}
