package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	streamav "github.com/aws/aws-sdk-go-v2/feature/dynamodbstreams/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	streamtypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"

	"github.com/sjawhar/consult-wispr/internal/session"
)

// StreamsAPI is the subset of the DynamoDB Streams client the feed uses.
type StreamsAPI interface {
	DescribeStream(ctx context.Context, in *dynamodbstreams.DescribeStreamInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.DescribeStreamOutput, error)
	GetShardIterator(ctx context.Context, in *dynamodbstreams.GetShardIteratorInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, in *dynamodbstreams.GetRecordsInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetRecordsOutput, error)
}

// DynamoStreamFeed tails the session table's stream. Positions are kept in
// memory, so a restarted feed begins at StartAt again.
type DynamoStreamFeed struct {
	client    StreamsAPI
	streamARN string
	interval  time.Duration
	startAt   streamtypes.ShardIteratorType
	logger    *slog.Logger
}

type shardCursor struct {
	iterator *string
	lastSeq  string
	// retrySeq is the record a handler rejected; it is read again first.
	retrySeq string
	closed   bool
}

func NewDynamoStreamFeed(client StreamsAPI, streamARN string, interval time.Duration, fromStart bool, logger *slog.Logger) *DynamoStreamFeed {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	startAt := streamtypes.ShardIteratorTypeLatest
	if fromStart {
		startAt = streamtypes.ShardIteratorTypeTrimHorizon
	}
	return &DynamoStreamFeed{client: client, streamARN: streamARN, interval: interval, startAt: startAt, logger: logger}
}

// LatestStreamARN looks up the stream attached to a table.
func LatestStreamARN(ctx context.Context, client DynamoAPI, table string) (string, error) {
	out, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
	if err != nil {
		return "", fmt.Errorf("describe table %s: %w", table, err)
	}
	if out.Table == nil || out.Table.LatestStreamArn == nil {
		return "", fmt.Errorf("table %s has no stream enabled", table)
	}
	return *out.Table.LatestStreamArn, nil
}

func (f *DynamoStreamFeed) Run(ctx context.Context, handle ChangeHandler) error {
	cursors := make(map[string]*shardCursor)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		if err := f.discoverShards(ctx, cursors); err != nil && ctx.Err() == nil {
			f.logger.ErrorContext(ctx, "describe stream", "stream_arn", f.streamARN, "error", err)
		}
		for id, cur := range cursors {
			if cur.closed || ctx.Err() != nil {
				continue
			}
			f.pollShard(ctx, id, cur, handle)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (f *DynamoStreamFeed) discoverShards(ctx context.Context, cursors map[string]*shardCursor) error {
	var start *string
	for {
		out, err := f.client.DescribeStream(ctx, &dynamodbstreams.DescribeStreamInput{
			StreamArn:             aws.String(f.streamARN),
			ExclusiveStartShardId: start,
		})
		if err != nil {
			return err
		}
		if out.StreamDescription == nil {
			return nil
		}
		for _, shard := range out.StreamDescription.Shards {
			id := aws.ToString(shard.ShardId)
			if _, ok := cursors[id]; !ok && id != "" {
				cursors[id] = &shardCursor{}
			}
		}
		start = out.StreamDescription.LastEvaluatedShardId
		if start == nil {
			return nil
		}
	}
}

// pollShard handles one batch. On a handler failure the iterator is dropped
// and the next poll reopens the shard at the rejected record.
func (f *DynamoStreamFeed) pollShard(ctx context.Context, shardID string, cur *shardCursor, handle ChangeHandler) {
	if cur.iterator == nil {
		in := &dynamodbstreams.GetShardIteratorInput{
			StreamArn:         aws.String(f.streamARN),
			ShardId:           aws.String(shardID),
			ShardIteratorType: f.startAt,
		}
		switch {
		case cur.retrySeq != "":
			in.ShardIteratorType = streamtypes.ShardIteratorTypeAtSequenceNumber
			in.SequenceNumber = aws.String(cur.retrySeq)
		case cur.lastSeq != "":
			in.ShardIteratorType = streamtypes.ShardIteratorTypeAfterSequenceNumber
			in.SequenceNumber = aws.String(cur.lastSeq)
		}
		out, err := f.client.GetShardIterator(ctx, in)
		if err != nil {
			var gone *streamtypes.ResourceNotFoundException
			if errors.As(err, &gone) {
				cur.closed = true
				return
			}
			f.logger.ErrorContext(ctx, "get shard iterator", "shard_id", shardID, "error", err)
			return
		}
		cur.iterator = out.ShardIterator
	}

	out, err := f.client.GetRecords(ctx, &dynamodbstreams.GetRecordsInput{
		ShardIterator: cur.iterator,
		Limit:         aws.Int32(100),
	})
	if err != nil {
		var expired *streamtypes.ExpiredIteratorException
		if !errors.As(err, &expired) {
			f.logger.ErrorContext(ctx, "get stream records", "shard_id", shardID, "error", err)
		}
		cur.iterator = nil
		return
	}

	for _, rec := range out.Records {
		if rec.Dynamodb == nil {
			continue
		}
		seq := aws.ToString(rec.Dynamodb.SequenceNumber)
		change, ok, err := streamChange(rec)
		if err != nil {
			f.logger.ErrorContext(ctx, "decode stream record, skipping", "shard_id", shardID, "sequence", seq, "error", err)
			cur.lastSeq, cur.retrySeq = seq, ""
			continue
		}
		if ok {
			if err := handle(ctx, change); err != nil {
				f.logger.WarnContext(ctx, "change handler failed, will redeliver",
					"session_id", change.SessionID, "sequence", seq, "error", err)
				cur.retrySeq = seq
				cur.iterator = nil
				return
			}
		}
		cur.lastSeq, cur.retrySeq = seq, ""
	}

	cur.iterator = out.NextShardIterator
	if cur.iterator == nil {
		cur.closed = true
	}
}

func streamChange(rec streamtypes.Record) (Change, bool, error) {
	if rec.EventName == streamtypes.OperationTypeRemove || rec.Dynamodb.NewImage == nil {
		return Change{}, false, nil
	}

	var after session.Session
	if err := streamav.UnmarshalMap(rec.Dynamodb.NewImage, &after); err != nil {
		return Change{}, false, fmt.Errorf("unmarshal new image: %w", err)
	}
	c := Change{SessionID: after.ID, After: after}
	if rec.Dynamodb.OldImage != nil {
		var before session.Session
		if err := streamav.UnmarshalMap(rec.Dynamodb.OldImage, &before); err != nil {
			return Change{}, false, fmt.Errorf("unmarshal old image: %w", err)
		}
		c.Before = &before
	}
	return c, true, nil
}
