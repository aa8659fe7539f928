// Package sqs carries announcement dispatch jobs between the API and the
// dispatch worker.
package sqs

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// MaxBodyBytes is the SQS message size limit.
const MaxBodyBytes = 256 * 1024

var (
	// ErrJobTooLarge is returned when a job does not fit in one message.
	ErrJobTooLarge = errors.New("dispatch job exceeds sqs message size")

	// ErrMalformedJob is returned for messages that are not dispatch jobs.
	ErrMalformedJob = errors.New("malformed dispatch job")
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	// Endpoint overrides the service endpoint, e.g. for LocalStack.
	Endpoint string
}

// API is the subset of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// NewClient builds an SQS client from the default AWS credential chain.
func NewClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}
