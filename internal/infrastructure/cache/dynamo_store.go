package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// ddbEntry is one cache entry. ExpiresAt is the table's TTL attribute, in
// epoch seconds.
type ddbEntry struct {
	PK        string `dynamodbav:"PK"`
	Value     []byte `dynamodbav:"Value"`
	ExpiresAt int64  `dynamodbav:"ExpiresAt"`
}

// DynamoStore keeps cache entries in a DynamoDB table with native TTL. The
// reaper can lag expiry by hours, so reads check ExpiresAt themselves.
type DynamoStore struct {
	client DynamoAPI
	table  string
	prefix string
	now    func() time.Time
	logger *zap.Logger
}

func NewDynamoStore(client DynamoAPI, table, prefix string, logger *zap.Logger) *DynamoStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DynamoStore{
		client: client,
		table:  table,
		prefix: prefix,
		now:    time.Now,
		logger: logger,
	}
}

// NewDynamoStoreFromConfig builds the client from the default AWS credential chain.
func NewDynamoStoreFromConfig(ctx context.Context, region, table, prefix string, logger *zap.Logger) (*DynamoStore, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewDynamoStore(dynamodb.NewFromConfig(cfg), table, prefix, logger), nil
}

func (s *DynamoStore) Kind() BackendKind { return BackendDynamoDB }

func (s *DynamoStore) key(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: s.prefix + key},
	}
}

func (s *DynamoStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       s.key(key),
	})
	if err != nil {
		return nil, false, err
	}
	if len(out.Item) == 0 {
		return nil, false, nil
	}

	var entry ddbEntry
	if err := attributevalue.UnmarshalMap(out.Item, &entry); err != nil {
		s.logger.Warn("Discarding unreadable cache item", zap.String("key", key), zap.Error(err))
		return nil, false, nil
	}
	if entry.ExpiresAt <= s.now().Unix() {
		return nil, false, nil
	}
	return entry.Value, true, nil
}

func (s *DynamoStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Delete(ctx, key)
	}

	item, err := attributevalue.MarshalMap(ddbEntry{
		PK:        s.prefix + key,
		Value:     value,
		ExpiresAt: s.now().Add(ttl).Unix(),
	})
	if err != nil {
		return err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	return err
}

func (s *DynamoStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       s.key(key),
	})
	return err
}

// Clear scans the keys under the prefix and deletes them in batches of 25.
func (s *DynamoStore) Clear(ctx context.Context) error {
	builder := expression.NewBuilder().WithProjection(expression.NamesList(expression.Name("PK")))
	if s.prefix != "" {
		builder = builder.WithFilter(expression.Name("PK").BeginsWith(s.prefix))
	}
	expr, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to build scan expression: %w", err)
	}

	var (
		startKey map[string]types.AttributeValue
		pending  []types.WriteRequest
		deleted  int
	)
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(s.table),
			ProjectionExpression:      expr.Projection(),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return err
		}

		for _, item := range out.Items {
			pending = append(pending, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: map[string]types.AttributeValue{"PK": item["PK"]}},
			})
			if len(pending) == 25 {
				if err := s.deleteBatch(ctx, pending); err != nil {
					return err
				}
				deleted += len(pending)
				pending = pending[:0]
			}
		}

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	if len(pending) > 0 {
		if err := s.deleteBatch(ctx, pending); err != nil {
			return err
		}
		deleted += len(pending)
	}

	s.logger.Info("Cleared dynamodb cache", zap.String("table", s.table), zap.Int("count", deleted))
	return nil
}

func (s *DynamoStore) deleteBatch(ctx context.Context, requests []types.WriteRequest) error {
	input := &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]types.WriteRequest{
			s.table: append([]types.WriteRequest(nil), requests...),
		},
	}
	// Unprocessed items come back when the table throttles; resubmit them a
	// bounded number of times.
	for attempt := 0; attempt < 5 && len(input.RequestItems) > 0; attempt++ {
		out, err := s.client.BatchWriteItem(ctx, input)
		if err != nil {
			return err
		}
		input.RequestItems = out.UnprocessedItems
	}
	if len(input.RequestItems[s.table]) > 0 {
		return fmt.Errorf("dynamodb left %d cache deletes unprocessed", len(input.RequestItems[s.table]))
	}
	return nil
}

// Stats reports DescribeTable's ItemCount, which DynamoDB refreshes roughly
// every six hours.
func (s *DynamoStore) Stats(ctx context.Context) BackendStats {
	stats := BackendStats{BackendKind: BackendDynamoDB, ConnectionState: StateConnected, CheckedAt: s.now()}
	out, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err != nil {
		stats.ConnectionState = StateDisconnected
		return stats
	}
	if out.Table != nil && out.Table.ItemCount != nil {
		stats.ApproxKeyCount = *out.Table.ItemCount
	}
	return stats
}

func (s *DynamoStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	return err
}

// Close is a no-op; the SDK client holds no dedicated connections.
func (s *DynamoStore) Close() error { return nil }
