package export

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// itemStore is the subset of *dynamodb.Client the run index uses.
type itemStore interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// IndexItem is one row of the run index table.
type IndexItem struct {
	PK          string `dynamodbav:"PK"`
	SK          string `dynamodbav:"SK"`
	RunID       string `dynamodbav:"RunID"`
	AsOf        string `dynamodbav:"AsOf"`
	Location    string `dynamodbav:"Location"`
	Pairs       int    `dynamodbav:"Pairs"`
	RollupRows  int    `dynamodbav:"RollupRows"`
	PublishedAt string `dynamodbav:"PublishedAt"`
}

// RunIndex records published runs in DynamoDB. Each run gets its own item
// and a single LATEST item is overwritten to point at the newest one.
type RunIndex struct {
	client    itemStore
	tableName string
}

// NewRunIndex creates a run index backed by a DynamoDB table.
func NewRunIndex(client *dynamodb.Client, tableName string) *RunIndex {
	return &RunIndex{client: client, tableName: tableName}
}

// Publish writes the run item and then moves the LATEST pointer.
func (x *RunIndex) Publish(ctx context.Context, m Manifest, location string) error {
	item := IndexItem{
		PK:          "RUN#" + m.Run.ID,
		SK:          "SUMMARY",
		RunID:       m.Run.ID,
		AsOf:        m.Run.AsOf.UTC().Format(time.RFC3339),
		Location:    location,
		Pairs:       m.Pairs,
		RollupRows:  m.RollupRows,
		PublishedAt: m.ExportedAt.UTC().Format(time.RFC3339),
	}
	if err := x.put(ctx, item); err != nil {
		return err
	}
	item.PK, item.SK = "LATEST", "RUN"
	return x.put(ctx, item)
}

// Latest returns the most recently published run, or nil if none.
func (x *RunIndex) Latest(ctx context.Context) (*IndexItem, error) {
	out, err := x.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(x.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: "LATEST"},
			"SK": &types.AttributeValueMemberS{Value: "RUN"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("getting latest run from DynamoDB: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var item IndexItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling run index item: %w", err)
	}
	return &item, nil
}

func (x *RunIndex) put(ctx context.Context, item IndexItem) error {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling item: %w", err)
	}
	_, err = x.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(x.tableName),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("putting item to DynamoDB: %w", err)
	}
	return nil
}
