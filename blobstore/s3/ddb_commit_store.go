package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/guestmem/blobstore"
)

// DDBCommitStore is an S3 store whose commit pointers live in DynamoDB.
// S3 has no compare-and-swap; a conditional PutItem on a monotonically
// increasing version provides it, so several emulator instances sharing a
// bucket cannot clobber each other's latest save.
//
// Every commit is a new item; the pointer value is the item with the highest
// version for the key.
//
// Table schema:
//   - Partition key: base_uri (string) - the store URI plus the commit key
//   - Sort key: version (number)
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name guestmem-commits \
//	  --attribute-definitions AttributeName=base_uri,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=base_uri,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DDBCommitStore struct {
	*Store
	ddbClient DDBClient
	tableName string
	baseURI   string
}

var (
	_ blobstore.Store     = (*DDBCommitStore)(nil)
	_ blobstore.Committer = (*DDBCommitStore)(nil)
)

// DDBClient is the subset of the DynamoDB API used by DDBCommitStore.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

var _ DDBClient = (*dynamodb.Client)(nil)

// NewDDBCommitStore wraps s3Store. baseURI (for example "s3://bucket/prefix")
// namespaces the commit keys inside the table.
func NewDDBCommitStore(s3Store *Store, ddbClient DDBClient, tableName, baseURI string) *DDBCommitStore {
	return &DDBCommitStore{
		Store:     s3Store,
		ddbClient: ddbClient,
		tableName: tableName,
		baseURI:   baseURI,
	}
}

func (s *DDBCommitStore) partition(key string) string {
	return s.baseURI + "#" + key
}

// Current implements blobstore.Committer.
func (s *DDBCommitStore) Current(ctx context.Context, key string) (string, uint64, error) {
	resp, err := s.ddbClient.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: s.partition(key)},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return "", 0, fmt.Errorf("s3: query commit table: %w", err)
	}
	if len(resp.Items) == 0 {
		return "", 0, blobstore.ErrNotFound
	}

	item := resp.Items[0]
	versionAttr, ok := item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return "", 0, errors.New("s3: invalid version attribute in commit table")
	}
	valueAttr, ok := item["value"].(*types.AttributeValueMemberS)
	if !ok {
		return "", 0, errors.New("s3: invalid value attribute in commit table")
	}

	version, err := strconv.ParseUint(versionAttr.Value, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("s3: parse commit version: %w", err)
	}
	return valueAttr.Value, version, nil
}

// Commit implements blobstore.Committer. Versions are contiguous, so the
// conditional put of expected+1 fails whenever another writer got there first.
func (s *DDBCommitStore) Commit(ctx context.Context, key string, expected uint64, value string) error {
	_, err := s.ddbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"base_uri": &types.AttributeValueMemberS{Value: s.partition(key)},
			"version":  &types.AttributeValueMemberN{Value: strconv.FormatUint(expected+1, 10)},
			"value":    &types.AttributeValueMemberS{Value: value},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return blobstore.ErrConflict
		}
		return fmt.Errorf("s3: commit %q: %w", key, err)
	}
	return nil
}
