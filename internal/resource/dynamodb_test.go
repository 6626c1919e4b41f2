package resource

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamoDB keeps tables in memory. Scan pages hold at most scanPageSize
// items so callers have to follow LastEvaluatedKey.
type fakeDynamoDB struct {
	mu     sync.Mutex
	tables map[string]map[string]map[string]types.AttributeValue
	scans  int
}

const scanPageSize = 2

func newFakeDynamoDB() *fakeDynamoDB {
	return &fakeDynamoDB{tables: map[string]map[string]map[string]types.AttributeValue{}}
}

func keyOf(item map[string]types.AttributeValue) string {
	if s, ok := item["id"].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func (f *fakeDynamoDB) table(name *string) map[string]map[string]types.AttributeValue {
	t, ok := f.tables[aws.ToString(name)]
	if !ok {
		t = map[string]map[string]types.AttributeValue{}
		f.tables[aws.ToString(name)] = t
	}
	return t
}

func checkCondition(expr *string, exists bool) error {
	switch aws.ToString(expr) {
	case "attribute_not_exists(id)":
		if exists {
			return &types.ConditionalCheckFailedException{Message: aws.String("item exists")}
		}
	case "attribute_exists(id)":
		if !exists {
			return &types.ConditionalCheckFailedException{Message: aws.String("item missing")}
		}
	}
	return nil
}

func (f *fakeDynamoDB) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.table(in.TableName)[keyOf(in.Key)]}, nil
}

func (f *fakeDynamoDB) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.table(in.TableName)
	key := keyOf(in.Item)
	_, exists := t[key]
	if err := checkCondition(in.ConditionExpression, exists); err != nil {
		return nil, err
	}
	t[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamoDB) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.table(in.TableName)
	key := keyOf(in.Key)
	_, exists := t[key]
	if err := checkCondition(in.ConditionExpression, exists); err != nil {
		return nil, err
	}
	delete(t, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamoDB) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans++
	t := f.table(in.TableName)
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	start := 0
	if in.ExclusiveStartKey != nil {
		after := keyOf(in.ExclusiveStartKey)
		start = sort.SearchStrings(keys, after)
		if start < len(keys) && keys[start] == after {
			start++
		}
	}
	end := min(start+scanPageSize, len(keys))

	out := &dynamodb.ScanOutput{Count: int32(end - start)}
	if in.Select != types.SelectCount {
		for _, k := range keys[start:end] {
			out.Items = append(out.Items, t[k])
		}
	}
	if end < len(keys) {
		out.LastEvaluatedKey = idKey(keys[end-1])
	}
	return out, nil
}

func TestDynamoDBRepositoryTables(t *testing.T) {
	stepClock(t)
	fake := newFakeDynamoDB()
	repo := NewDynamoDBRepositoryWithClient(fake, "prod-")
	ctx := context.Background()

	rec, err := repo.Create(ctx, KindAnalysis, Record{Payload: &Analysis{Ref: "s3://b/uploads/a.mp4", Status: AnalysisPending}})
	require.NoError(t, err)
	require.NoError(t, repo.PutOwner(ctx, Owner{ID: "u-1", Name: "Ada"}))

	assert.Contains(t, fake.tables, "prod-analyses")
	assert.Contains(t, fake.tables, "prod-owners")

	item := fake.tables["prod-analyses"][rec.ID]
	payload, ok := item[payloadAttr].(*types.AttributeValueMemberM)
	require.True(t, ok, "payload must be a nested map")
	status, ok := payload.Value["status"].(*types.AttributeValueMemberS)
	require.True(t, ok)
	assert.Equal(t, "pending", status.Value)
	assert.NotContains(t, payload.Value, "metrics")
}

func TestDynamoDBRepositoryPagedScan(t *testing.T) {
	stepClock(t)
	fake := newFakeDynamoDB()
	repo := NewDynamoDBRepositoryWithClient(fake, "")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := repo.Create(ctx, KindReport, Record{Payload: &Report{Title: strings.Repeat("x", i+1), Content: "c", Status: ReportPending}})
		require.NoError(t, err)
	}

	fake.scans = 0
	count, err := repo.Count(ctx, KindReport)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
	assert.Equal(t, 3, fake.scans)

	all, err := repo.List(ctx, KindReport, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "xxxxx", all[0].Payload.(*Report).Title)
	assert.Equal(t, "x", all[4].Payload.(*Report).Title)
}

type failingDynamoDB struct {
	*fakeDynamoDB
}

func (failingDynamoDB) Scan(context.Context, *dynamodb.ScanInput, ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	return nil, errors.New("throttled")
}

func TestDynamoDBRepositoryScanError(t *testing.T) {
	repo := NewDynamoDBRepositoryWithClient(failingDynamoDB{newFakeDynamoDB()}, "")

	_, err := repo.List(context.Background(), KindReport, 0, 10)
	assert.ErrorContains(t, err, "throttled")
	_, err = repo.Count(context.Background(), KindReport)
	assert.ErrorContains(t, err, "throttled")
}
