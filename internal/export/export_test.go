package export

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ignite/cohort-estimator/internal/domain"
	"github.com/ignite/cohort-estimator/internal/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects map[string][]byte
	inputs  []*s3.PutObjectInput
	err     error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[aws.ToString(in.Key)] = data
	f.inputs = append(f.inputs, in)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) decode(t *testing.T, key string, v any) {
	t.Helper()
	data, ok := f.objects[key]
	require.True(t, ok, "missing object %s", key)
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(gz).Decode(v))
}

type fakeDynamo struct {
	items map[string]map[string]types.AttributeValue
}

func itemKey(item map[string]types.AttributeValue) string {
	pk := item["PK"].(*types.AttributeValueMemberS).Value
	sk := item["SK"].(*types.AttributeValueMemberS).Value
	return pk + "/" + sk
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.items == nil {
		f.items = make(map[string]map[string]types.AttributeValue)
	}
	f.items[itemKey(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.items[itemKey(in.Key)]}, nil
}

func seedCompleteRun(t *testing.T, st *memory.Store) {
	t.Helper()
	ctx := context.Background()
	asOf := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	done := asOf.Add(time.Hour)
	require.NoError(t, st.CreateRun(ctx, domain.Run{ID: "run-1", AsOf: asOf, Status: domain.RunRunning, StartedAt: asOf}))
	require.NoError(t, st.SavePairs(ctx, "run-1", []domain.UserProductPair{
		{DistinctID: "u1", ProductID: "pro", Country: "US"},
		{DistinctID: "u2", ProductID: "pro", Country: "US"},
	}))
	require.NoError(t, st.SaveResolutions(ctx, "run-1", []domain.Resolution{{RunID: "run-1", TupleKey: "k", ProductID: "pro", Level: 3}}))
	require.NoError(t, st.SaveNodes(ctx, "run-1", []domain.SegmentNode{{RunID: "run-1", Key: "product_id=pro", ProductID: "pro"}}))
	require.NoError(t, st.SaveRollups(ctx, "run-1", []domain.RollupRow{{RunID: "run-1", EntityID: "ad-1", Date: asOf}}))
	require.NoError(t, st.FinishRun(ctx, "run-1", domain.RunComplete, "", done))
}

func TestExport_WritesObjectsAndManifest(t *testing.T) {
	st := memory.New()
	seedCompleteRun(t, st)

	s3c := &fakeS3{}
	ddb := &fakeDynamo{}
	ex := newS3Exporter(s3c, "reports", "estimator/runs", &RunIndex{client: ddb, tableName: "runs"})
	ex.now = func() time.Time { return time.Date(2025, 10, 1, 2, 0, 0, 0, time.UTC) }

	m, err := ex.Export(context.Background(), st, "run-1", []string{"pro"})
	require.NoError(t, err)

	assert.Equal(t, 2, m.Pairs)
	assert.Equal(t, 1, m.Resolutions)
	assert.Equal(t, 1, m.SegmentNodes)
	assert.Equal(t, 1, m.RollupRows)
	assert.Contains(t, m.Objects, "estimator/runs/run-1/pairs/pro.json.gz")

	for _, in := range s3c.inputs {
		assert.Equal(t, "gzip", aws.ToString(in.ContentEncoding))
		assert.Equal(t, "reports", aws.ToString(in.Bucket))
	}

	var pairs []domain.UserProductPair
	s3c.decode(t, "estimator/runs/run-1/pairs/pro.json.gz", &pairs)
	assert.Len(t, pairs, 2)

	var manifest Manifest
	s3c.decode(t, "estimator/runs/run-1/manifest.json.gz", &manifest)
	assert.Equal(t, "run-1", manifest.Run.ID)
	assert.Equal(t, domain.RunComplete, manifest.Run.Status)

	latest, err := ex.index.Latest(context.Background())
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "run-1", latest.RunID)
	assert.Equal(t, "s3://reports/estimator/runs/run-1/", latest.Location)

	var summary IndexItem
	require.NoError(t, attributevalue.UnmarshalMap(ddb.items["RUN#run-1/SUMMARY"], &summary))
	assert.Equal(t, 2, summary.Pairs)
}

func TestExport_RefusesIncompleteRun(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	require.NoError(t, st.CreateRun(ctx, domain.Run{ID: "run-2", Status: domain.RunRunning}))

	s3c := &fakeS3{}
	_, err := newS3Exporter(s3c, "reports", "p", nil).Export(ctx, st, "run-2", nil)
	require.Error(t, err)
	assert.Empty(t, s3c.objects)
}

func TestExport_PropagatesPutError(t *testing.T) {
	st := memory.New()
	seedCompleteRun(t, st)

	s3c := &fakeS3{err: errors.New("access denied")}
	_, err := newS3Exporter(s3c, "reports", "p", nil).Export(context.Background(), st, "run-1", []string{"pro"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestRunIndex_LatestEmpty(t *testing.T) {
	idx := &RunIndex{client: &fakeDynamo{}, tableName: "runs"}
	latest, err := idx.Latest(context.Background())
	require.NoError(t, err)
	assert.Nil(t, latest)
}
