package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hupe1980/vecseg/blobstore"
)

// DDBClient is the subset of the DynamoDB API the catalog uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DDBCatalog implements blobstore.Catalog with DynamoDB conditional writes.
// A commit only succeeds if its sequence number does not exist yet, which
// gives the compare-and-swap S3 lacks.
//
// Table schema:
//   - Partition key: catalog_key (string)
//   - Sort key: sequence (number)
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name vecseg-snapshots \
//	  --attribute-definitions AttributeName=catalog_key,AttributeType=S AttributeName=sequence,AttributeType=N \
//	  --key-schema AttributeName=catalog_key,KeyType=HASH AttributeName=sequence,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DDBCatalog struct {
	client    DDBClient
	tableName string
}

var _ blobstore.Catalog = (*DDBCatalog)(nil)

// NewDDBCatalog creates a catalog stored in tableName.
func NewDDBCatalog(client DDBClient, tableName string) *DDBCatalog {
	return &DDBCatalog{client: client, tableName: tableName}
}

func (c *DDBCatalog) Commit(ctx context.Context, key string, e blobstore.CatalogEntry) error {
	_, err := c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"catalog_key":  &types.AttributeValueMemberS{Value: key},
			"sequence":     &types.AttributeValueMemberN{Value: strconv.FormatUint(e.Sequence, 10)},
			"name":         &types.AttributeValueMemberS{Value: e.Name},
			"snapshot_id":  &types.AttributeValueMemberS{Value: e.SnapshotID},
			"committed_at": &types.AttributeValueMemberS{Value: e.CommittedAt.UTC().Format(time.RFC3339Nano)},
		},
		ConditionExpression: aws.String("attribute_not_exists(#seq)"),
		ExpressionAttributeNames: map[string]string{
			"#seq": "sequence",
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return blobstore.ErrConcurrentModification
		}
		return fmt.Errorf("s3: commit catalog entry: %w", err)
	}
	return nil
}

func (c *DDBCatalog) Latest(ctx context.Context, key string) (blobstore.CatalogEntry, error) {
	resp, err := c.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("catalog_key = :key"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":key": &types.AttributeValueMemberS{Value: key},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return blobstore.CatalogEntry{}, fmt.Errorf("s3: query catalog: %w", err)
	}
	if len(resp.Items) == 0 {
		return blobstore.CatalogEntry{}, blobstore.ErrNoSnapshot
	}
	return decodeEntry(resp.Items[0])
}

func decodeEntry(item map[string]types.AttributeValue) (blobstore.CatalogEntry, error) {
	var e blobstore.CatalogEntry
	seq, ok := item["sequence"].(*types.AttributeValueMemberN)
	if !ok {
		return e, errors.New("s3: catalog item without sequence")
	}
	v, err := strconv.ParseUint(seq.Value, 10, 64)
	if err != nil {
		return e, fmt.Errorf("s3: parse sequence: %w", err)
	}
	e.Sequence = v
	if s, ok := item["name"].(*types.AttributeValueMemberS); ok {
		e.Name = s.Value
	}
	if s, ok := item["snapshot_id"].(*types.AttributeValueMemberS); ok {
		e.SnapshotID = s.Value
	}
	if s, ok := item["committed_at"].(*types.AttributeValueMemberS); ok {
		e.CommittedAt, _ = time.Parse(time.RFC3339Nano, s.Value)
	}
	return e, nil
}
