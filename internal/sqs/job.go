package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// Job asks the worker to dispatch one announcement to a recipient list.
type Job struct {
	JobID          string         `json:"job_id"`
	AnnouncementID string         `json:"announcement_id"`
	Recipients     []db.Recipient `json:"recipients"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	EnqueuedAt     int64          `json:"enqueued_at"`
}

// Producer sends dispatch jobs to SQS.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a producer over client.
func NewProducer(client API, queueURL string, logger *zap.Logger) *Producer {
	logger.Info("sqs producer initialized", zap.String("queue_url", queueURL))
	return &Producer{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Enqueue sends job and returns the SQS message ID. It fills JobID and
// EnqueuedAt when unset and fails with ErrJobTooLarge when the encoded job
// exceeds MaxBodyBytes.
func (p *Producer) Enqueue(ctx context.Context, job *Job) (string, error) {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if job.EnqueuedAt == 0 {
		job.EnqueuedAt = time.Now().UnixNano()
	}

	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}
	if len(body) > MaxBodyBytes {
		return "", fmt.Errorf("%w: %d bytes", ErrJobTooLarge, len(body))
	}

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"announcement_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(job.AnnouncementID),
			},
		},
	})
	if err != nil {
		p.logger.Error("failed to send dispatch job",
			zap.String("announcement_id", job.AnnouncementID),
			zap.Error(err),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// Consumer reads dispatch jobs from SQS.
type Consumer struct {
	client            API
	queueURL          string
	waitSeconds       int32
	visibilityTimeout int32
	logger            *zap.Logger
}

// NewConsumer creates a consumer over client. A dispatch run of a few
// thousand recipients can take minutes, so the visibility timeout is long.
func NewConsumer(client API, queueURL string, logger *zap.Logger) *Consumer {
	logger.Info("sqs consumer initialized", zap.String("queue_url", queueURL))
	return &Consumer{
		client:            client,
		queueURL:          queueURL,
		waitSeconds:       20,
		visibilityTimeout: 600,
		logger:            logger,
	}
}

// Receive long-polls for one job. It returns (nil, "", nil) when the poll
// times out empty. A malformed body yields ErrMalformedJob together with
// the receipt handle so the caller can drop the message.
func (c *Consumer) Receive(ctx context.Context) (*Job, string, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     c.waitSeconds,
		VisibilityTimeout:   c.visibilityTimeout,
	})
	if err != nil {
		return nil, "", fmt.Errorf("sqs receive failed: %w", err)
	}

	if len(result.Messages) == 0 {
		return nil, "", nil
	}

	m := result.Messages[0]
	receipt := aws.ToString(m.ReceiptHandle)

	var job Job
	if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &job); err != nil {
		return nil, receipt, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	if job.AnnouncementID == "" {
		return nil, receipt, fmt.Errorf("%w: missing announcement_id", ErrMalformedJob)
	}

	return &job, receipt, nil
}

// Delete acknowledges a processed message.
func (c *Consumer) Delete(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// ExtendVisibility keeps a long-running job hidden from other consumers.
func (c *Consumer) ExtendVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}
