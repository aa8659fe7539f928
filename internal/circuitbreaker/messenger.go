package circuitbreaker

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/notify"
)

// ProtectedMessenger guards a push provider with a CircuitBreaker. Only
// transport errors count as failures; per-token rejections do not.
type ProtectedMessenger struct {
	messenger notify.Messenger
	breaker   *CircuitBreaker
	logger    *zap.Logger
}

// NewProtectedMessenger wraps messenger with breaker.
func NewProtectedMessenger(messenger notify.Messenger, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedMessenger {
	return &ProtectedMessenger{
		messenger: messenger,
		breaker:   breaker,
		logger:    logger,
	}
}

// SendMulticast forwards to the provider unless the circuit is open.
func (p *ProtectedMessenger) SendMulticast(ctx context.Context, tokens []string, msg notify.PushMessage) ([]notify.SendResponse, error) {
	var resp []notify.SendResponse
	err := p.breaker.Execute(func() error {
		var err error
		resp, err = p.messenger.SendMulticast(ctx, tokens, msg)
		return err
	})
	if err != nil {
		p.logger.Warn("push multicast rejected",
			zap.String("breaker", p.breaker.Name()),
			zap.String("state", p.breaker.GetState().String()),
			zap.Int("tokens", len(tokens)),
			zap.Error(err),
		)
		return nil, err
	}
	return resp, nil
}

// Breaker returns the underlying circuit breaker.
func (p *ProtectedMessenger) Breaker() *CircuitBreaker {
	return p.breaker
}
