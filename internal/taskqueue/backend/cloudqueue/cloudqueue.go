// Package cloudqueue implements the queue backend on Amazon SQS.
//
// SQS identifies a delivery by its receipt handle, not by the message id, so
// a dequeued Message carries the receipt handle in ID for the lifetime of that
// delivery. Callers that need to correlate a delivery with the original
// enqueue use CorrelationID or OwnerID. Poison and permanently failed messages
// are left to the queue's redrive policy.
package cloudqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/bargom/taskqueue/internal/taskqueue"
)

// Name is the backend name reported in logs, metrics and stats.
const Name = "cloud"

const (
	// DefaultWaitTime bounds each long-poll receive.
	DefaultWaitTime = 5 * time.Second

	// maxVisibility is the largest visibility timeout SQS accepts (12h).
	maxVisibility = 12 * time.Hour

	// taskNameAttribute is set on every sent message for filtering in the console.
	taskNameAttribute = "task_name"
)

// API is the subset of the SQS client used by the backend.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Option configures a Backend.
type Option func(*Backend)

// WithWaitTime overrides DefaultWaitTime.
func WithWaitTime(d time.Duration) Option {
	return func(b *Backend) {
		b.waitTime = d
	}
}

// WithVisibilityTimeout sets the visibility timeout requested on receive.
// Zero uses the queue's configured default.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(b *Backend) {
		b.visibility = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithConsumeOptions configures the loop run by StartConsuming.
func WithConsumeOptions(opts ...taskqueue.ConsumeOption) Option {
	return func(b *Backend) {
		b.consumeOpts = append(b.consumeOpts, opts...)
	}
}

// Backend is the cloud queue backend.
type Backend struct {
	api         API
	queueURL    string
	waitTime    time.Duration
	visibility  time.Duration
	logger      *slog.Logger
	consumeOpts []taskqueue.ConsumeOption
}

var _ taskqueue.Backend = (*Backend)(nil)

// New creates a backend for the queue at queueURL.
func New(api API, queueURL string, opts ...Option) (*Backend, error) {
	if api == nil {
		return nil, errors.New("cloudqueue: nil client")
	}
	if queueURL == "" {
		return nil, errors.New("cloudqueue: queue url is required")
	}

	b := &Backend{
		api:      api,
		queueURL: queueURL,
		waitTime: DefaultWaitTime,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "queue_backend", "backend", Name)
	return b, nil
}

// Name implements taskqueue.Backend.
func (b *Backend) Name() string { return Name }

// Delivery implements taskqueue.Backend.
func (b *Backend) Delivery() taskqueue.DeliveryMode { return taskqueue.DeliveryPull }

// Enqueue sends the encoded message and returns the id SQS assigned to it.
func (b *Backend) Enqueue(ctx context.Context, msg *taskqueue.Message) (string, error) {
	body, err := msg.Encode()
	if err != nil {
		return "", err
	}

	out, err := b.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(b.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			taskNameAttribute: {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.TaskName),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("cloudqueue: send message: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

// Dequeue long-polls for one message. The returned message's ID is the
// receipt handle of this delivery. Undecodable bodies are logged and skipped.
func (b *Backend) Dequeue(ctx context.Context) (*taskqueue.Message, error) {
	in := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(b.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     int32(b.waitTime / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	}
	if b.visibility > 0 {
		in.VisibilityTimeout = visibilitySeconds(b.visibility)
	}

	out, err := b.api.ReceiveMessage(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("cloudqueue: receive message: %w", err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}

	raw := out.Messages[0]
	msg, err := taskqueue.DecodeMessage([]byte(aws.ToString(raw.Body)))
	if err != nil {
		b.logger.Error("dropping poison message, leaving it to the redrive policy",
			"sqs_message_id", aws.ToString(raw.MessageId),
			"error", err,
		)
		return nil, nil
	}

	msg.ID = aws.ToString(raw.ReceiptHandle)
	msg.Status = taskqueue.StatusProcessing
	if n := receiveCount(raw) - 1; n > msg.Attempts {
		msg.Attempts = n
	}
	return msg, nil
}

// Ack deletes the delivery. A stale receipt handle means the delivery is
// already gone and is not an error.
func (b *Backend) Ack(ctx context.Context, id string) error {
	_, err := b.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(b.queueURL),
		ReceiptHandle: aws.String(id),
	})
	if err != nil {
		var invalid *types.ReceiptHandleIsInvalid
		if errors.As(err, &invalid) {
			b.logger.Debug("ack of stale receipt handle ignored")
			return nil
		}
		return fmt.Errorf("cloudqueue: delete message: %w", err)
	}
	return nil
}

// Nack makes the delivery visible again after retryAfter. SQS counts the
// next receive, which is where Attempts comes from.
func (b *Backend) Nack(ctx context.Context, id string, retryAfter time.Duration) error {
	_, err := b.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(b.queueURL),
		ReceiptHandle:     aws.String(id),
		VisibilityTimeout: visibilitySeconds(retryAfter),
	})
	if err != nil {
		return fmt.Errorf("cloudqueue: change visibility: %w", err)
	}
	return nil
}

// Fail only logs. The queue's redrive policy moves the message to its
// dead-letter queue once the receive limit is reached.
func (b *Backend) Fail(ctx context.Context, id string, reason error) error {
	b.logger.Error("message failed permanently, deferring to redrive policy", "error", reason)
	return nil
}

// StartConsuming runs the generic consume loop.
func (b *Backend) StartConsuming(ctx context.Context, handler taskqueue.Handler) error {
	opts := append([]taskqueue.ConsumeOption{taskqueue.WithConsumeLogger(b.logger)}, b.consumeOpts...)
	return taskqueue.Consume(ctx, b, handler, opts...)
}

// Stats reports the approximate counts SQS exposes. Failed is always zero:
// dead-lettered messages live in a different queue.
func (b *Backend) Stats(ctx context.Context) (taskqueue.Stats, error) {
	stats := taskqueue.Stats{Backend: Name}

	out, err := b.api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(b.queueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})
	if err != nil {
		return stats, fmt.Errorf("cloudqueue: get queue attributes: %w", err)
	}

	stats.Pending = intAttribute(out.Attributes, types.QueueAttributeNameApproximateNumberOfMessages)
	stats.Processing = intAttribute(out.Attributes, types.QueueAttributeNameApproximateNumberOfMessagesNotVisible)
	stats.Delayed = intAttribute(out.Attributes, types.QueueAttributeNameApproximateNumberOfMessagesDelayed)
	return stats, nil
}

// Ping checks that the queue is reachable with the configured credentials.
func (b *Backend) Ping(ctx context.Context) error {
	_, err := b.api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(b.queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return fmt.Errorf("cloudqueue: ping: %w", err)
	}
	return nil
}

// Close is a no-op; the SQS client holds no persistent connection state.
func (b *Backend) Close() error { return nil }

func visibilitySeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	if d > maxVisibility {
		d = maxVisibility
	}
	return int32(math.Ceil(d.Seconds()))
}

func receiveCount(m types.Message) int {
	v, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func intAttribute(attrs map[string]string, name types.QueueAttributeName) int64 {
	n, err := strconv.ParseInt(attrs[string(name)], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
