package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/notify"
)

// SESAPI is the subset of the SES client used by SESSender.
type SESAPI interface {
	SendEmail(ctx context.Context, in *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESSender delivers announcement email through AWS SES.
type SESSender struct {
	client SESAPI
	from   string
	logger *zap.Logger
}

// NewSESSender creates an SES mailer sending from the given address.
func NewSESSender(client SESAPI, from string, logger *zap.Logger) *SESSender {
	return &SESSender{
		client: client,
		from:   from,
		logger: logger,
	}
}

// SendEmail sends msg as a plain-text email.
func (s *SESSender) SendEmail(ctx context.Context, msg notify.EmailMessage) error {
	if msg.To == "" {
		return errors.New("email missing recipient address")
	}
	if msg.Subject == "" {
		return errors.New("email missing subject")
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(msg.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Debug("email sent via SES",
		zap.String("to", msg.To),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}
