package export

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	appconfig "github.com/ignite/cohort-estimator/internal/config"
)

// New builds an exporter from configuration. Static keys take precedence,
// then a named profile, then the default credential chain (IAM role on
// ECS).
func New(ctx context.Context, cfg appconfig.ExportConfig) (*S3Exporter, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3Region)}
	switch {
	case cfg.AccessKey != "" && cfg.SecretKey != "":
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	case cfg.GetAWSProfile() != "":
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.GetAWSProfile()))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var index *RunIndex
	if cfg.DynamoDBTable != "" {
		index = NewRunIndex(dynamodb.NewFromConfig(awsCfg), cfg.DynamoDBTable)
	}
	return NewS3Exporter(s3.NewFromConfig(awsCfg), cfg.S3Bucket, cfg.Prefix, index), nil
}
