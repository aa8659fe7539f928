package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/notify"
)

// LogSender stands in for every channel in development: it logs what would
// have been sent and reports success.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a log-only sender.
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) SendMulticast(_ context.Context, tokens []string, msg notify.PushMessage) ([]notify.SendResponse, error) {
	s.logger.Info("push sent (development mode)",
		zap.Int("tokens", len(tokens)),
		zap.String("title", msg.Title),
		zap.Any("data", msg.Data),
	)
	resp := make([]notify.SendResponse, len(tokens))
	for i := range resp {
		resp[i].Success = true
	}
	return resp, nil
}

func (s *LogSender) SendEmail(_ context.Context, msg notify.EmailMessage) error {
	s.logger.Info("email sent (development mode)",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
	)
	return nil
}

func (s *LogSender) SendSMS(_ context.Context, phone, message string) error {
	s.logger.Info("sms sent (development mode)",
		zap.String("phone", phone),
		zap.Int("length", len(message)),
	)
	return nil
}
