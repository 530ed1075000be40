package bus

import (
	"context"

	"go.uber.org/zap"

	"ordering/internal/integration"
)

type EventHandler interface {
	Handle(ctx context.Context, env integration.Envelope) error
}

// IntegrationEventConsumer turns raw bus messages into envelopes for the saga.
// It is shared by the Kafka consumer and the in-memory bus.
type IntegrationEventConsumer struct {
	handler EventHandler
	logger  *zap.Logger
}

func NewIntegrationEventConsumer(h EventHandler, l *zap.Logger) *IntegrationEventConsumer {
	return &IntegrationEventConsumer{handler: h, logger: l}
}

func (c *IntegrationEventConsumer) HandleMessage(ctx context.Context, message []byte) error {
	env, err := integration.Unmarshal(message)
	if err != nil {
		// Redelivery cannot fix a malformed message.
		c.logger.Error("Error unmarshalling integration event", zap.Error(err), zap.String("raw_message", string(message)))
		return nil
	}

	c.logger.Info("Received integration event",
		zap.String("event_id", env.ID),
		zap.String("event_type", env.EventType),
		zap.String("order_id", env.OrderID))

	if err := c.handler.Handle(ctx, env); err != nil {
		c.logger.Error("Error processing integration event",
			zap.String("event_id", env.ID),
			zap.String("order_id", env.OrderID),
			zap.Error(err))
		return err
	}
	return nil
}
