package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the subset of the SQS client the queue uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

type SQSQueue struct {
	client     SQSAPI
	url        string
	fifo       bool
	wait       int32
	visibility int32
	batch      int32
	logger     *slog.Logger
}

type SQSOptions struct {
	WaitSeconds       int32
	VisibilitySeconds int32
	BatchSize         int32
}

func NewSQSQueue(client SQSAPI, queueURL string, opts SQSOptions, logger *slog.Logger) *SQSQueue {
	if opts.WaitSeconds <= 0 {
		opts.WaitSeconds = 20
	}
	if opts.VisibilitySeconds <= 0 {
		opts.VisibilitySeconds = 30
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSQueue{
		client:     client,
		url:        queueURL,
		fifo:       strings.HasSuffix(queueURL, ".fifo"),
		wait:       opts.WaitSeconds,
		visibility: opts.VisibilitySeconds,
		batch:      opts.BatchSize,
		logger:     logger,
	}
}

// Publish sends msg. FIFO queues group by session and deduplicate per chunk.
func (q *SQSQueue) Publish(ctx context.Context, msg ChunkAdded) error {
	body, err := Encode(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(string(body)),
	}
	if q.fifo {
		in.MessageGroupId = aws.String(msg.SessionID)
		in.MessageDeduplicationId = aws.String(msg.SessionID + "-" + strconv.Itoa(msg.ChunkNumber))
	}
	if _, err := q.client.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("send message for session %s chunk %d: %w", msg.SessionID, msg.ChunkNumber, err)
	}
	return nil
}

// Receive long-polls the queue. Undecodable messages are deleted on the spot.
func (q *SQSQueue) Receive(ctx context.Context) ([]Delivery, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: q.batch,
		WaitTimeSeconds:     q.wait,
		VisibilityTimeout:   q.visibility,
	})
	if err != nil {
		return nil, fmt.Errorf("receive message: %w", err)
	}

	deliveries := make([]Delivery, 0, len(out.Messages))
	for _, m := range out.Messages {
		d := &sqsDelivery{q: q, receipt: m.ReceiptHandle}
		if m.Body == nil {
			q.dropPoison(ctx, d, errors.New("empty body"))
			continue
		}
		msg, err := Decode([]byte(*m.Body))
		if err != nil {
			q.dropPoison(ctx, d, err)
			continue
		}
		d.msg = msg
		deliveries = append(deliveries, d)
	}
	return deliveries, nil
}

func (q *SQSQueue) dropPoison(ctx context.Context, d *sqsDelivery, cause error) {
	q.logger.WarnContext(ctx, "deleting poison message", "queue_url", q.url, "error", cause)
	if err := d.Ack(ctx); err != nil {
		q.logger.ErrorContext(ctx, "delete poison message", "error", err)
	}
}

type sqsDelivery struct {
	q       *SQSQueue
	receipt *string
	msg     ChunkAdded
}

func (d *sqsDelivery) Message() ChunkAdded { return d.msg }

func (d *sqsDelivery) Ack(ctx context.Context) error {
	_, err := d.q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(d.q.url),
		ReceiptHandle: d.receipt,
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (d *sqsDelivery) Nack(ctx context.Context) error {
	_, err := d.q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(d.q.url),
		ReceiptHandle:     d.receipt,
		VisibilityTimeout: 0,
	})
	var gone *types.ReceiptHandleIsInvalid
	if errors.As(err, &gone) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release message: %w", err)
	}
	return nil
}
