package store

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

// fakeDynamoDB applies the subset of update-expression semantics the store
// relies on, serialising calls the way DynamoDB serialises writes to one item.
type fakeDynamoDB struct {
	mu      sync.Mutex
	items   map[string]map[string]int64
	updates []*dynamodb.UpdateItemInput
	err     error
	noAttrs bool
}

func newFakeDynamoDB() *fakeDynamoDB {
	return &fakeDynamoDB{items: make(map[string]map[string]int64)}
}

func (f *fakeDynamoDB) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	pk := in.Key["pk"].(*types.AttributeValueMemberS).Value
	item, ok := f.items[pk]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: toAttributes(pk, item)}, nil
}

func (f *fakeDynamoDB) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.updates = append(f.updates, in)
	if f.err != nil {
		return nil, f.err
	}

	num := func(name string) int64 {
		n, _ := strconv.ParseInt(in.ExpressionAttributeValues[name].(*types.AttributeValueMemberN).Value, 10, 64)
		return n
	}

	pk := in.Key["pk"].(*types.AttributeValueMemberS).Value
	item, ok := f.items[pk]
	if !ok {
		item = make(map[string]int64)
		f.items[pk] = item
	}
	item["lst"] = num(":now")
	if _, ok := item["fst"]; !ok {
		item["fst"] = num(":now")
	}
	if _, ok := item["exp"]; !ok {
		item["exp"] = num(":exp")
	}
	item["cnt"] += num(":one")

	if f.noAttrs {
		return &dynamodb.UpdateItemOutput{}, nil
	}
	return &dynamodb.UpdateItemOutput{Attributes: toAttributes(pk, item)}, nil
}

func toAttributes(pk string, item map[string]int64) map[string]types.AttributeValue {
	out := map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
	}
	for k, v := range item {
		out[k] = &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
	}
	return out
}

func TestDynamoDB_Contract(t *testing.T) {
	runContract(t, func(t *testing.T) Store {
		return NewDynamoDB(newFakeDynamoDB(), DynamoDBConfig{})
	})
}

func TestDynamoDB_UpsertRequest(t *testing.T) {
	fake := newFakeDynamoDB()
	s := NewDynamoDB(fake, DynamoDBConfig{Table: "Counters"})
	now := time.Unix(1_800_000_000, 0)

	_, err := s.Upsert(context.Background(), "k", now)
	require.NoError(t, err)
	require.Len(t, fake.updates, 1)

	in := fake.updates[0]
	require.Equal(t, "Counters", aws.ToString(in.TableName))
	require.Equal(t, upsertExpression, aws.ToString(in.UpdateExpression))
	require.Equal(t, types.ReturnValueAllNew, in.ReturnValues)
	require.Equal(t, "exp", in.ExpressionAttributeNames["#exp"])
	require.Nil(t, in.ConditionExpression)

	values := in.ExpressionAttributeValues
	require.Equal(t, "1800000000", values[":now"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, strconv.FormatInt(ExpiresAt(now), 10), values[":exp"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "1", values[":one"].(*types.AttributeValueMemberN).Value)
}

func TestDynamoDB_DefaultTable(t *testing.T) {
	s := NewDynamoDB(newFakeDynamoDB(), DynamoDBConfig{})
	require.Equal(t, "Dedup", s.table)
}

func TestDynamoDB_Errors(t *testing.T) {
	boom := errors.New("boom")

	t.Run("client error on upsert", func(t *testing.T) {
		fake := newFakeDynamoDB()
		fake.err = boom
		_, err := NewDynamoDB(fake, DynamoDBConfig{}).Upsert(context.Background(), "k", time.Now())
		require.ErrorIs(t, err, boom)
	})

	t.Run("client error on get", func(t *testing.T) {
		fake := newFakeDynamoDB()
		fake.err = boom
		_, err := NewDynamoDB(fake, DynamoDBConfig{}).Get(context.Background(), "k")
		require.ErrorIs(t, err, boom)
		require.NotErrorIs(t, err, ErrNotFound)
	})

	t.Run("missing attributes after write", func(t *testing.T) {
		fake := newFakeDynamoDB()
		fake.noAttrs = true
		_, err := NewDynamoDB(fake, DynamoDBConfig{}).Upsert(context.Background(), "k", time.Now())
		require.Error(t, err)
	})

	t.Run("partial item", func(t *testing.T) {
		_, err := decodeItem("k", map[string]types.AttributeValue{
			"cnt": &types.AttributeValueMemberN{Value: "1"},
		})
		require.Error(t, err)
	})
}

func TestDynamoDB_LingeringItemStaysLive(t *testing.T) {
	fake := newFakeDynamoDB()
	now := time.Unix(1_800_000_000, 0)
	first := now.Add(-Retention - 35*24*time.Hour).Unix()
	fake.items["k"] = map[string]int64{
		"cnt": 5,
		"fst": first,
		"lst": first,
		"exp": first + int64(Retention/time.Second),
	}
	s := NewDynamoDB(fake, DynamoDBConfig{})

	before, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, uint64(5), before.Count)

	upserted, err := s.Upsert(context.Background(), "k", now)
	require.NoError(t, err)
	require.Equal(t, uint64(6), upserted.Count)
	require.Equal(t, first, upserted.First)
	require.Equal(t, now.Unix(), upserted.Last)

	got, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, upserted, got)
}
