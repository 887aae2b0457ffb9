package storage

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

	"github.com/sjawhar/consult-wispr/internal/awsutil"
	"github.com/sjawhar/consult-wispr/internal/retry"
	"github.com/sjawhar/consult-wispr/internal/session"
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoStore keeps one item per session keyed by id. The table is expected
// to have a stream with NEW_AND_OLD_IMAGES for DynamoStreamFeed.
type DynamoStore struct {
	client DynamoAPI
	table  string
	retry  retry.Policy
}

func NewDynamoStore(client DynamoAPI, table string) *DynamoStore {
	p := retry.Default()
	p.BaseDelay = 100 * time.Millisecond
	p.MaxDelay = 2 * time.Second
	return &DynamoStore{client: client, table: table, retry: p}
}

func (d *DynamoStore) Name() string {
	return "SessionStore[" + d.table + "]"
}

func (d *DynamoStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	_, err := d.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)})
	if err != nil {
		return fmt.Errorf("describe table %s: %w", d.table, err)
	}
	return nil
}

func (d *DynamoStore) Create(ctx context.Context, s session.Session) (session.Session, error) {
	s.Version = 1
	item, err := attributevalue.MarshalMap(s)
	if err != nil {
		return session.Session{}, fmt.Errorf("marshal session %s: %w", s.ID, err)
	}

	err = d.do(ctx, func(ctx context.Context) error {
		_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(d.table),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(id)"),
		})
		return err
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return session.Session{}, fmt.Errorf("create session %s: %w", s.ID, session.ErrSessionExists)
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("create session %s: %w", s.ID, err)
	}
	return s, nil
}

func (d *DynamoStore) Get(ctx context.Context, id string) (session.Session, error) {
	var s session.Session
	err := d.do(ctx, func(ctx context.Context) error {
		out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(d.table),
			Key:            sessionKey(id),
			ConsistentRead: aws.Bool(true),
		})
		if err != nil {
			return err
		}
		if out.Item == nil {
			return session.ErrSessionNotFound
		}
		return attributevalue.UnmarshalMap(out.Item, &s)
	})
	if err != nil {
		return session.Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return s, nil
}

func (d *DynamoStore) Put(ctx context.Context, s session.Session, expectedVersion int64) (session.Session, error) {
	s.Version = expectedVersion + 1
	item, err := attributevalue.MarshalMap(s)
	if err != nil {
		return session.Session{}, fmt.Errorf("marshal session %s: %w", s.ID, err)
	}

	err = d.do(ctx, func(ctx context.Context) error {
		_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(d.table),
			Item:                item,
			ConditionExpression: aws.String("attribute_exists(id) AND #v = :expected"),
			ExpressionAttributeNames: map[string]string{
				"#v": "version",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
			},
			ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
		})
		return err
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		if ccf.Item == nil {
			return session.Session{}, fmt.Errorf("put session %s: %w", s.ID, session.ErrSessionNotFound)
		}
		return session.Session{}, fmt.Errorf("put session %s at version %d: %w", s.ID, expectedVersion, ErrVersionConflict)
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("put session %s: %w", s.ID, err)
	}
	return s, nil
}

func (d *DynamoStore) do(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, d.retry, fn, awsutil.IsRetriable)
}

func sessionKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}
