package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ignite/cohort-estimator/internal/domain"
	"github.com/ignite/cohort-estimator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) (*StoreRepo, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewStoreRepo(db), mock, func() { db.Close() }
}

var asOf = time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

func TestListProducts(t *testing.T) {
	repo, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT DISTINCT product_id").
		WithArgs(asOf).
		WillReturnRows(sqlmock.NewRows([]string{"product_id"}).AddRow("lite").AddRow("pro"))

	got, err := repo.ListProducts(context.Background(), asOf)
	require.NoError(t, err)
	assert.Equal(t, []string{"lite", "pro"}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadEvents(t *testing.T) {
	repo, mock, cleanup := setupTestDB(t)
	defer cleanup()

	at := asOf.Add(-time.Hour)
	mock.ExpectQuery("FROM conversion_events").
		WithArgs("pro", asOf).
		WillReturnRows(sqlmock.NewRows([]string{
			"event_id", "distinct_id", "product_id", "event_name", "event_time",
			"revenue_amount", "currency", "country", "region", "store",
		}).AddRow("e1", "u1", "pro", "trial_converted", at, 9.99, "USD", "US", "CA", "app_store"))

	evs, err := repo.LoadEvents(context.Background(), "pro", asOf)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventTrialConverted, evs[0].EventName)
	assert.Equal(t, 9.99, evs[0].RevenueAmount)
	assert.True(t, evs[0].EventTime.Equal(at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadUserDimensions(t *testing.T) {
	repo, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("FROM user_dimensions").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"distinct_id", "country", "region", "economic_tier", "store"}).
			AddRow("u1", "US", "CA", "tier1", "app_store"))

	got, err := repo.LoadUserDimensions(context.Background(), []string{"u1", "u2"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, "tier1", got["u1"].EconomicTier)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadUserDimensions_EmptyInputSkipsQuery(t *testing.T) {
	repo, mock, cleanup := setupTestDB(t)
	defer cleanup()

	got, err := repo.LoadUserDimensions(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRun_NotFound(t *testing.T) {
	repo, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("FROM estimator_runs").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetRun(t *testing.T) {
	repo, mock, cleanup := setupTestDB(t)
	defer cleanup()

	done := asOf.Add(time.Hour)
	mock.ExpectQuery("FROM estimator_runs").
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "as_of", "status", "started_at", "completed_at", "error"}).
			AddRow("r1", asOf, "complete", asOf, done, ""))

	run, err := repo.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunComplete, run.Status)
	require.NotNil(t, run.CompletedAt)
	assert.True(t, run.CompletedAt.Equal(done))
}

func TestFinishRun_NotFound(t *testing.T) {
	repo, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE estimator_runs").
		WithArgs("r9", domain.RunFailed, "boom", asOf).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.FinishRun(context.Background(), "r9", domain.RunFailed, "boom", asOf)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCheckpoints(t *testing.T) {
	repo, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("r1", domain.StageBuckets, "US|pro").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO stage_checkpoints").
		WithArgs("r1", domain.StageBuckets, "US|pro").
		WillReturnResult(sqlmock.NewResult(0, 1))

	done, err := repo.Done(context.Background(), "r1", domain.StageBuckets, "US|pro")
	require.NoError(t, err)
	assert.False(t, done)
	require.NoError(t, repo.MarkDone(context.Background(), "r1", domain.StageBuckets, "US|pro"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePairs_UpsertsInOneTransaction(t *testing.T) {
	repo, mock, cleanup := setupTestDB(t)
	defer cleanup()

	pairs := []domain.UserProductPair{
		{DistinctID: "u1", ProductID: "pro", CreditedDate: asOf, PriceBucket: 1},
		{DistinctID: "u2", ProductID: "pro", CreditedDate: asOf, PriceBucket: 2},
	}
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO user_product_pairs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO user_product_pairs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.SavePairs(context.Background(), "r1", pairs))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePairs_RollsBackOnError(t *testing.T) {
	repo, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO user_product_pairs").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := repo.SavePairs(context.Background(), "r1", []domain.UserProductPair{{DistinctID: "u1", ProductID: "pro"}})
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadBuckets_GroupsClustersByKey(t *testing.T) {
	repo, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("FROM price_buckets").
		WithArgs("r1", "pro").
		WillReturnRows(sqlmock.NewRows([]string{"country", "product_id", "event_type", "bucket_id", "representative_price", "member_prices"}).
			AddRow("US", "pro", "trial_converted", 1, 10.24, "{9.99,10.49}").
			AddRow("US", "pro", "trial_converted", 2, 19.99, "{19.99}").
			AddRow("US", "pro", "initial_purchase", 1, 59.99, "{59.99}"))

	got, err := repo.LoadBuckets(context.Background(), "r1", "pro")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Len(t, got[0].Clusters, 2)
	assert.Equal(t, []float64{9.99, 10.49}, got[0].Clusters[0].MemberPrices)
	assert.Equal(t, domain.EventInitialPurchase, got[1].Key.EventType)
}

func TestListValidationErrors(t *testing.T) {
	repo, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("FROM segment_validation_errors").
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"path", "distinct_ids", "message"}).
			AddRow("product_id=pro|price_bucket=1", "{u1,u2}", "diverged"))

	got, err := repo.ListValidationErrors(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"u1", "u2"}, got[0].DistinctIDs)
	assert.Equal(t, "r1", got[0].RunID)
}

func TestListRollups_DecodesJSONColumns(t *testing.T) {
	repo, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("FROM entity_rollups").
		WithArgs("r1", "c1").
		WillReturnRows(sqlmock.NewRows([]string{
			"entity_id", "date", "daily", "cumulative", "estimated_revenue", "projected_revenue_net",
			"pair_count", "estimated_pairs", "actual_pairs", "accuracy_counts", "delivery", "cumulative_spend", "ratios",
		}).AddRow("c1", asOf, []byte(`{"trial_started":2}`), []byte(`{"trial_started":5,"revenue":19.98}`), 4.5, 24.48,
			5, 3, 2, []byte(`{"high":5}`), nil, 100.0, []byte(`{"roas_actual":0.1998}`)))

	got, err := repo.ListRollups(context.Background(), "r1", "c1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	row := got[0]
	assert.Equal(t, 2, row.Daily.TrialStarted)
	assert.Equal(t, 19.98, row.Cumulative.Revenue)
	assert.Equal(t, 5, row.AccuracyCounts[domain.AccuracyHigh])
	assert.Nil(t, row.Delivery)
	assert.Equal(t, 0.1998, row.Ratios.ROASActual)
}

func TestSaveRollups_SendsJSONAsText(t *testing.T) {
	repo, mock, cleanup := setupTestDB(t)
	defer cleanup()

	row := domain.RollupRow{EntityID: "c1", Date: asOf, AccuracyCounts: map[domain.AccuracyScore]int{domain.AccuracyLow: 1}}
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO entity_rollups").
		WithArgs("r1", "c1", asOf, sqlmock.AnyArg(), sqlmock.AnyArg(), 0.0, 0.0, 0, 0, 0,
			`{"low":1}`, nil, 0.0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.SaveRollups(context.Background(), "r1", []domain.RollupRow{row}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestRun(t *testing.T) {
	repo, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id FROM estimator_runs").
		WithArgs("complete").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("r7"))
	mock.ExpectQuery("FROM estimator_runs").
		WithArgs("r7").
		WillReturnRows(sqlmock.NewRows([]string{"id", "as_of", "status", "started_at", "completed_at", "error"}).
			AddRow("r7", asOf, "complete", asOf, asOf.Add(time.Hour), ""))

	run, err := repo.LatestRun(context.Background(), domain.RunComplete)
	require.NoError(t, err)
	assert.Equal(t, "r7", run.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestRun_NoneComplete(t *testing.T) {
	repo, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id FROM estimator_runs").
		WithArgs("complete").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.LatestRun(context.Background(), domain.RunComplete)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCountPairs_IgnoresPaging(t *testing.T) {
	repo, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM user_product_pairs WHERE run_id = \$1 AND product_id = \$2 AND country = \$3$`).
		WithArgs("r1", "pro", "US").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	n, err := repo.CountPairs(context.Background(), "r1", store.PairFilter{ProductID: "pro", Country: "US", Limit: 10, Offset: 20})
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
