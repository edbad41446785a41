package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamo keeps items keyed by PK and pages scans two items at a time.
type fakeDynamo struct {
	mu         sync.Mutex
	items      map[string]map[string]types.AttributeValue
	batchSizes []int
	failAll    bool
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]types.AttributeValue{}}
}

var errThrottled = errors.New("throttled")

func pkOf(key map[string]types.AttributeValue) string {
	if s, ok := key["PK"].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errThrottled
	}
	return &dynamodb.GetItemOutput{Item: f.items[pkOf(in.Key)]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[pkOf(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, pkOf(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var prefix string
	for _, v := range in.ExpressionAttributeValues {
		if s, ok := v.(*types.AttributeValueMemberS); ok {
			prefix = s.Value
		}
	}

	var keys []string
	for pk := range f.items {
		if strings.HasPrefix(pk, prefix) {
			keys = append(keys, pk)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ExclusiveStartKey != nil {
		last := pkOf(in.ExclusiveStartKey)
		for i, k := range keys {
			if k == last {
				start = i + 1
			}
		}
	}
	end := min(start+2, len(keys))

	out := &dynamodb.ScanOutput{}
	for _, k := range keys[start:end] {
		out.Items = append(out.Items, map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: k}})
	}
	if end < len(keys) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: keys[end-1]}}
	}
	return out, nil
}

func (f *fakeDynamo) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, reqs := range in.RequestItems {
		f.batchSizes = append(f.batchSizes, len(reqs))
		for _, r := range reqs {
			if r.DeleteRequest != nil {
				delete(f.items, pkOf(r.DeleteRequest.Key))
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func (f *fakeDynamo) DescribeTable(_ context.Context, _ *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errThrottled
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{ItemCount: aws.Int64(int64(len(f.items)))}}, nil
}

func TestDynamoStore_GetSet(t *testing.T) {
	ctx := context.Background()
	client := newFakeDynamo()
	store := NewDynamoStore(client, "cache", "svc:", nil)
	clock := newTestClock()
	store.now = clock.Now

	t.Run("Should round trip values under the prefix", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "workshop:1", []byte(`{"id":1}`), time.Minute))

		_, stored := client.items["svc:workshop:1"]
		assert.True(t, stored)

		v, ok, err := store.Get(ctx, "workshop:1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, `{"id":1}`, string(v))
	})

	t.Run("Should treat items past ExpiresAt as misses", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "session:1", []byte("x"), time.Second))
		clock.Advance(2 * time.Second)

		_, ok, err := store.Get(ctx, "session:1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Should treat unreadable items as misses", func(t *testing.T) {
		client.items["svc:bad"] = map[string]types.AttributeValue{
			"PK":        &types.AttributeValueMemberS{Value: "svc:bad"},
			"ExpiresAt": &types.AttributeValueMemberS{Value: "soon"},
		}
		_, ok, err := store.Get(ctx, "bad")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Should delete on non-positive ttl", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "gone", []byte("x"), time.Hour))
		require.NoError(t, store.Set(ctx, "gone", []byte("x"), 0))
		_, ok, _ := store.Get(ctx, "gone")
		assert.False(t, ok)
	})

	t.Run("Should surface client errors", func(t *testing.T) {
		client.failAll = true
		defer func() { client.failAll = false }()

		_, _, err := store.Get(ctx, "workshop:1")
		assert.ErrorIs(t, err, errThrottled)
		assert.Error(t, store.Ping(ctx))
		assert.Equal(t, StateDisconnected, store.Stats(ctx).ConnectionState)
	})
}

func TestDynamoStore_Clear(t *testing.T) {
	ctx := context.Background()
	client := newFakeDynamo()
	store := NewDynamoStore(client, "cache", "svc:", nil)

	for i := 0; i < 30; i++ {
		require.NoError(t, store.Set(ctx, fmt.Sprintf("k%02d", i), []byte("v"), time.Hour))
	}
	foreign, err := attributevalue.MarshalMap(ddbEntry{PK: "other:1", Value: []byte("v"), ExpiresAt: time.Now().Add(time.Hour).Unix()})
	require.NoError(t, err)
	client.items["other:1"] = foreign

	require.NoError(t, store.Clear(ctx))

	assert.Len(t, client.items, 1)
	assert.Contains(t, client.items, "other:1")
	assert.Equal(t, []int{25, 5}, client.batchSizes)

	stats := store.Stats(ctx)
	assert.Equal(t, BackendDynamoDB, stats.BackendKind)
	assert.Equal(t, int64(1), stats.ApproxKeyCount)
}
