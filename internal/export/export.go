// Package export publishes a completed run's outputs for downstream
// reporting: gzip-compressed JSON objects in S3 and, optionally, a run
// index item in DynamoDB that points readers at the latest published run.
package export

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ignite/cohort-estimator/internal/domain"
	"github.com/ignite/cohort-estimator/internal/pkg/logger"
	"github.com/ignite/cohort-estimator/internal/store"
)

// objectPutter is the subset of *s3.Client the exporter uses.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Manifest is the summary object written next to a run's exports.
type Manifest struct {
	Run              domain.Run `json:"run"`
	Products         []string   `json:"products"`
	Pairs            int        `json:"pairs"`
	Resolutions      int        `json:"resolutions"`
	SegmentNodes     int        `json:"segment_nodes"`
	ValidationErrors int        `json:"validation_errors"`
	RollupRows       int        `json:"rollup_rows"`
	Objects          []string   `json:"objects"`
	ExportedAt       time.Time  `json:"exported_at"`
}

// S3Exporter writes run snapshots under <prefix>/<run id>/.
type S3Exporter struct {
	client objectPutter
	bucket string
	prefix string
	index  *RunIndex
	now    func() time.Time
}

// NewS3Exporter wires an exporter to an S3 client. index may be nil.
func NewS3Exporter(client *s3.Client, bucket, prefix string, index *RunIndex) *S3Exporter {
	return newS3Exporter(client, bucket, prefix, index)
}

func newS3Exporter(client objectPutter, bucket, prefix string, index *RunIndex) *S3Exporter {
	return &S3Exporter{client: client, bucket: bucket, prefix: prefix, index: index, now: time.Now}
}

// Export reads every output of a completed run from st and uploads it.
// Incomplete runs are refused so readers never see partial results.
func (e *S3Exporter) Export(ctx context.Context, st store.Store, runID string, products []string) (*Manifest, error) {
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	if run.Status != domain.RunComplete {
		return nil, fmt.Errorf("export: run %s is %s, not complete", runID, run.Status)
	}

	m := &Manifest{Run: *run, Products: products}

	res, err := st.LoadResolutions(ctx, runID)
	if err != nil {
		return nil, err
	}
	m.Resolutions = len(res)
	if err := e.put(ctx, m, runID, "resolutions.json.gz", res); err != nil {
		return nil, err
	}

	nodes, total, err := st.ListNodes(ctx, runID, store.NodeFilter{Limit: 1 << 30})
	if err != nil {
		return nil, err
	}
	m.SegmentNodes = total
	if err := e.put(ctx, m, runID, "segments.json.gz", nodes); err != nil {
		return nil, err
	}

	verrs, err := st.ListValidationErrors(ctx, runID)
	if err != nil {
		return nil, err
	}
	m.ValidationErrors = len(verrs)
	if err := e.put(ctx, m, runID, "validation_errors.json.gz", verrs); err != nil {
		return nil, err
	}

	rollups, err := st.ListRollups(ctx, runID, "")
	if err != nil {
		return nil, err
	}
	m.RollupRows = len(rollups)
	if err := e.put(ctx, m, runID, "rollups.json.gz", rollups); err != nil {
		return nil, err
	}

	for _, p := range products {
		pairs, err := st.LoadPairs(ctx, runID, store.PairFilter{ProductID: p})
		if err != nil {
			return nil, err
		}
		m.Pairs += len(pairs)
		if err := e.put(ctx, m, runID, path.Join("pairs", p+".json.gz"), pairs); err != nil {
			return nil, err
		}
	}

	m.ExportedAt = e.now().UTC()
	if err := e.put(ctx, m, runID, "manifest.json.gz", m); err != nil {
		return nil, err
	}

	if e.index != nil {
		if err := e.index.Publish(ctx, *m, e.location(runID)); err != nil {
			return nil, err
		}
	}

	logger.Info("run exported", "run_id", runID, "bucket", e.bucket, "objects", len(m.Objects), "pairs", m.Pairs)
	return m, nil
}

func (e *S3Exporter) location(runID string) string {
	return fmt.Sprintf("s3://%s/%s/", e.bucket, path.Join(e.prefix, runID))
}

func (e *S3Exporter) put(ctx context.Context, m *Manifest, runID, name string, v any) error {
	data, err := gzipJSON(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	key := path.Join(e.prefix, runID, name)
	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(e.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(data),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return fmt.Errorf("putting %s to S3: %w", key, err)
	}
	if name != "manifest.json.gz" {
		m.Objects = append(m.Objects, key)
	}
	return nil
}

func gzipJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(v); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
