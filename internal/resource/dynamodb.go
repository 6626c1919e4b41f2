package resource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// DynamoDBAPI is the subset of the DynamoDB client the repository uses.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoDBRepository stores each kind in the table <prefix><handler table>,
// keyed by "id". The kind payload lives in a nested "payload" map.
type DynamoDBRepository struct {
	client      DynamoDBAPI
	tablePrefix string
}

var (
	_ Repository     = (*DynamoDBRepository)(nil)
	_ OwnerDirectory = (*DynamoDBRepository)(nil)
)

// recordItem is the base part of a stored item.
type recordItem struct {
	ID        string    `dynamodbav:"id"`
	OwnerID   string    `dynamodbav:"ownerId"`
	CreatedAt time.Time `dynamodbav:"createdAt"`
	UpdatedAt time.Time `dynamodbav:"updatedAt"`
}

const payloadAttr = "payload"

// NewDynamoDBRepository creates a repository using the default AWS
// configuration chain.
func NewDynamoDBRepository(ctx context.Context, tablePrefix, region string) (*DynamoDBRepository, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewDynamoDBRepositoryWithClient(dynamodb.NewFromConfig(cfg), tablePrefix), nil
}

func NewDynamoDBRepositoryWithClient(client DynamoDBAPI, tablePrefix string) *DynamoDBRepository {
	return &DynamoDBRepository{client: client, tablePrefix: tablePrefix}
}

func (r *DynamoDBRepository) table(h Handler) *string {
	return aws.String(r.tablePrefix + h.Table())
}

func (r *DynamoDBRepository) ownersTable() *string {
	return aws.String(r.tablePrefix + "owners")
}

func idKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

func (r *DynamoDBRepository) encode(rec Record) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(recordItem{
		ID:        rec.ID,
		OwnerID:   rec.OwnerID,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal item: %w", err)
	}
	payload, err := attributevalue.MarshalMap(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	item[payloadAttr] = &types.AttributeValueMemberM{Value: payload}
	return item, nil
}

func (r *DynamoDBRepository) decode(h Handler, item map[string]types.AttributeValue) (*Record, error) {
	var base recordItem
	if err := attributevalue.UnmarshalMap(item, &base); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	payload := h.NewPayload()
	if m, ok := item[payloadAttr].(*types.AttributeValueMemberM); ok {
		if err := attributevalue.UnmarshalMap(m.Value, payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	return &Record{
		ID:        base.ID,
		Kind:      h.Kind(),
		OwnerID:   base.OwnerID,
		CreatedAt: base.CreatedAt.UTC(),
		UpdatedAt: base.UpdatedAt.UTC(),
		Payload:   payload,
	}, nil
}

// project attaches the owner summary. A missing owner entry leaves only the id.
func (r *DynamoDBRepository) project(ctx context.Context, rec *Record, cache map[string]Owner) error {
	if rec.OwnerID == "" {
		return nil
	}
	owner, ok := cache[rec.OwnerID]
	if !ok {
		result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: r.ownersTable(),
			Key:       idKey(rec.OwnerID),
		})
		if err != nil {
			return fmt.Errorf("failed to get owner: %w", err)
		}
		if result.Item != nil {
			if err := attributevalue.UnmarshalMap(result.Item, &owner); err != nil {
				return fmt.Errorf("failed to unmarshal owner: %w", err)
			}
		}
		if cache != nil {
			cache[rec.OwnerID] = owner
		}
	}
	rec.Owner = ownerSummary(rec.OwnerID, owner.Name, owner.Email)
	return nil
}

func (r *DynamoDBRepository) scanAll(ctx context.Context, h Handler) ([]Record, error) {
	var (
		records []Record
		start   map[string]types.AttributeValue
	)
	for {
		result, err := r.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         r.table(h),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan table: %w", err)
		}
		for _, item := range result.Items {
			rec, err := r.decode(h, item)
			if err != nil {
				return nil, err
			}
			records = append(records, *rec)
		}
		if len(result.LastEvaluatedKey) == 0 {
			return records, nil
		}
		start = result.LastEvaluatedKey
	}
}

// List scans the whole table; DynamoDB has no cheap global ordering, so the
// page is cut after sorting in memory.
func (r *DynamoDBRepository) List(ctx context.Context, kind Kind, offset, limit int) ([]Record, error) {
	h, err := Resolve(kind)
	if err != nil {
		return nil, err
	}
	all, err := r.scanAll(ctx, h)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	end, ok := pageEnd(len(all), offset, limit)
	if !ok {
		return []Record{}, nil
	}
	page := all[offset:end]

	owners := map[string]Owner{}
	for i := range page {
		if err := r.project(ctx, &page[i], owners); err != nil {
			return nil, err
		}
	}
	return page, nil
}

func (r *DynamoDBRepository) Count(ctx context.Context, kind Kind) (int, error) {
	h, err := Resolve(kind)
	if err != nil {
		return 0, err
	}
	var (
		total int
		start map[string]types.AttributeValue
	)
	for {
		result, err := r.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         r.table(h),
			Select:            types.SelectCount,
			ExclusiveStartKey: start,
		})
		if err != nil {
			return 0, fmt.Errorf("failed to count items: %w", err)
		}
		total += int(result.Count)
		if len(result.LastEvaluatedKey) == 0 {
			return total, nil
		}
		start = result.LastEvaluatedKey
	}
}

func (r *DynamoDBRepository) Get(ctx context.Context, kind Kind, id string) (*Record, error) {
	h, err := Resolve(kind)
	if err != nil {
		return nil, err
	}
	rec, err := r.get(ctx, h, id)
	if err != nil {
		return nil, err
	}
	if err := r.project(ctx, rec, nil); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *DynamoDBRepository) get(ctx context.Context, h Handler, id string) (*Record, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      r.table(h),
		Key:            idKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	if result.Item == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, h.Kind(), id)
	}
	return r.decode(h, result.Item)
}

func (r *DynamoDBRepository) Create(ctx context.Context, kind Kind, rec Record) (*Record, error) {
	h, err := Resolve(kind)
	if err != nil {
		return nil, err
	}
	if rec.Payload == nil || rec.Payload.Kind() != h.Kind() {
		return nil, fmt.Errorf("%w: payload does not match kind %s", ErrInvalidInput, kind)
	}
	stored := rec.clone()
	stored.ID = uuid.NewString()
	stored.Kind = kind
	stored.Owner = nil
	stored.CreatedAt = timeNow()
	stored.UpdatedAt = stored.CreatedAt

	item, err := r.encode(stored)
	if err != nil {
		return nil, err
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           r.table(h),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put item: %w", err)
	}
	if err := r.project(ctx, &stored, nil); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (r *DynamoDBRepository) Update(ctx context.Context, kind Kind, id string, fields Fields) (*Record, error) {
	h, err := Resolve(kind)
	if err != nil {
		return nil, err
	}
	current, err := r.get(ctx, h, id)
	if err != nil {
		return nil, err
	}
	payload, err := h.Merge(current.Payload, fields)
	if err != nil {
		return nil, err
	}
	current.Payload = payload
	current.UpdatedAt = timeNow()

	item, err := r.encode(*current)
	if err != nil {
		return nil, err
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           r.table(h),
		Item:                item,
		ConditionExpression: aws.String("attribute_exists(id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
		}
		return nil, fmt.Errorf("failed to put item: %w", err)
	}
	if err := r.project(ctx, current, nil); err != nil {
		return nil, err
	}
	return current, nil
}

func (r *DynamoDBRepository) Delete(ctx context.Context, kind Kind, id string) error {
	h, err := Resolve(kind)
	if err != nil {
		return err
	}
	_, err = r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           r.table(h),
		Key:                 idKey(id),
		ConditionExpression: aws.String("attribute_exists(id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
		}
		return fmt.Errorf("failed to delete item: %w", err)
	}
	return nil
}

func (r *DynamoDBRepository) PutOwner(ctx context.Context, owner Owner) error {
	if owner.ID == "" {
		return fmt.Errorf("%w: owner id is required", ErrInvalidInput)
	}
	item, err := attributevalue.MarshalMap(owner)
	if err != nil {
		return fmt.Errorf("failed to marshal owner: %w", err)
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: r.ownersTable(),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put owner: %w", err)
	}
	return nil
}
