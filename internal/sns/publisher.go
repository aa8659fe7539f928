// Package sns publishes dispatch lifecycle events to an SNS topic.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// EventDispatched is the event_type attribute of dispatch summaries.
const EventDispatched = "announcement.dispatched"

// API is the subset of the SNS client used by Publisher.
type API interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher handles SNS topic publishing of dispatch summaries.
type Publisher struct {
	client   API
	topicARN string
}

// DispatchSummary is published once per announcement run.
type DispatchSummary struct {
	AnnouncementID   string    `json:"announcement_id"`
	AnnouncementType string    `json:"announcement_type"`
	Recipients       int       `json:"recipients"`
	Sent             int       `json:"sent"`
	Failed           int       `json:"failed"`
	Errors           []string  `json:"errors,omitempty"`
	CompletedAt      time.Time `json:"completed_at"`
}

// NewPublisher creates an SNS publisher for the given topic.
func NewPublisher(client API, topicARN string) *Publisher {
	return &Publisher{
		client:   client,
		topicARN: topicARN,
	}
}

// PublishDispatchSummary publishes s with attributes subscribers can
// filter on.
func (p *Publisher) PublishDispatchSummary(ctx context.Context, s DispatchSummary) (string, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal summary: %w", err)
	}

	outcome := "success"
	switch {
	case s.Failed > 0 && s.Sent == 0:
		outcome = "failed"
	case s.Failed > 0:
		outcome = "partial"
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(EventDispatched),
			},
			"announcement_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(s.AnnouncementType),
			},
			"outcome": {
				DataType:    aws.String("String"),
				StringValue: aws.String(outcome),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}
