package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// upsertExpression increments cnt, overwrites lst, and sets fst and exp only
// when they are absent. DynamoDB applies the whole expression atomically.
const upsertExpression = "SET lst = :now, fst = if_not_exists(fst, :now), #exp = if_not_exists(#exp, :exp) ADD cnt :one"

// DynamoDBAPI is the subset of the DynamoDB client used by the store.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoDBConfig holds the table settings for the DynamoDB store.
type DynamoDBConfig struct {
	// Table is the table name (default: "Dedup"). Its partition key must be the
	// string attribute "pk" and its TTL attribute "exp".
	Table string
}

// DynamoDB is a DynamoDB-backed implementation of Store.
// DynamoDB's TTL sweeper deletes records some time after exp passes. Until it
// does, the item stays live for both Get and Upsert, so the two never disagree.
type DynamoDB struct {
	client DynamoDBAPI
	table  string
}

// NewDynamoDB creates a DynamoDB store using the given client.
func NewDynamoDB(client DynamoDBAPI, config DynamoDBConfig) *DynamoDB {
	if config.Table == "" {
		config.Table = "Dedup"
	}
	return &DynamoDB{
		client: client,
		table:  config.Table,
	}
}

// Get performs a strongly consistent read of the item for key.
func (d *DynamoDB) Get(ctx context.Context, key string) (Record, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Record{}, fmt.Errorf("dynamodb get failed: %w", err)
	}
	if len(out.Item) == 0 {
		return Record{}, ErrNotFound
	}

	rec, err := decodeItem(key, out.Item)
	if err != nil {
		return Record{}, fmt.Errorf("dynamodb get failed: %w", err)
	}
	return rec, nil
}

// Upsert applies upsertExpression to the item for key and returns the new image.
func (d *DynamoDB) Upsert(ctx context.Context, key string, now time.Time) (Record, error) {
	out, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(d.table),
		Key:              itemKey(key),
		UpdateExpression: aws.String(upsertExpression),
		ExpressionAttributeNames: map[string]string{
			"#exp": "exp",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": numberValue(now.Unix()),
			":exp": numberValue(ExpiresAt(now)),
			":one": numberValue(1),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return Record{}, fmt.Errorf("dynamodb upsert failed: %w", err)
	}
	if len(out.Attributes) == 0 {
		return Record{}, errors.New("dynamodb upsert failed: no attributes returned")
	}

	rec, err := decodeItem(key, out.Attributes)
	if err != nil {
		return Record{}, fmt.Errorf("dynamodb upsert failed: %w", err)
	}
	return rec, nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (d *DynamoDB) Close() error {
	return nil
}

func itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: key},
	}
}

func numberValue(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func decodeItem(key string, item map[string]types.AttributeValue) (Record, error) {
	for _, name := range []string{"cnt", "fst", "lst", "exp"} {
		if _, ok := item[name]; !ok {
			return Record{}, fmt.Errorf("item is missing attribute %q", name)
		}
	}

	var rec Record
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return Record{}, fmt.Errorf("decode item: %w", err)
	}
	rec.Key = key
	return rec, nil
}
