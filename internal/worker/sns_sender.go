package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// SNSPublishAPI is the subset of the SNS client used for SMS.
type SNSPublishAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSender sends SMS via AWS SNS direct publish.
type SNSSender struct {
	client   SNSPublishAPI
	senderID string
	logger   *zap.Logger
}

// NewSNSSender creates an SMS sender. senderID is optional.
func NewSNSSender(client SNSPublishAPI, senderID string, logger *zap.Logger) *SNSSender {
	return &SNSSender{
		client:   client,
		senderID: senderID,
		logger:   logger,
	}
}

// SendSMS texts message to an E.164 phone number as a transactional SMS.
func (s *SNSSender) SendSMS(ctx context.Context, phone, message string) error {
	if !strings.HasPrefix(phone, "+") || len(phone) < 8 {
		return fmt.Errorf("phone number %q is not in E.164 format", phone)
	}
	if message == "" {
		return fmt.Errorf("sms message is empty")
	}

	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String("Transactional"),
		},
	}
	if s.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(s.senderID),
		}
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(phone),
		Message:           aws.String(message),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Debug("SMS sent via SNS",
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}
