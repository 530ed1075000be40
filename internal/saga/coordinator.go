// Package saga drives orders through their lifecycle from the replies of the
// buyer, stock, payment and shipping services, and cancels orders whose
// replies never come.
package saga

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"ordering/internal/app/orders"
	"ordering/internal/domain"
	"ordering/internal/integration"
)

// Commands is the slice of the order service the saga drives.
type Commands interface {
	ConfirmValidation(ctx context.Context, orderID string, opts ...orders.CommandOption) error
	RejectValidation(ctx context.Context, orderID, reason string, opts ...orders.CommandOption) error
	ConfirmStock(ctx context.Context, orderID string, opts ...orders.CommandOption) error
	RejectStock(ctx context.Context, orderID, reason string, rejectedProducts []string, opts ...orders.CommandOption) error
	ConfirmPayment(ctx context.Context, orderID string, opts ...orders.CommandOption) error
	RejectPayment(ctx context.Context, orderID, reason string, opts ...orders.CommandOption) error
	ConfirmShipment(ctx context.Context, orderID string, opts ...orders.CommandOption) error
	ExpireOrder(ctx context.Context, orderID string, cutoff time.Time) (bool, error)
	ConfirmAfterGracePeriod(ctx context.Context, orderID string, cutoff time.Time) (bool, error)
	FindStalled(ctx context.Context, statuses []domain.OrderStatus, cutoff time.Time, limit int) ([]string, error)
}

type Coordinator struct {
	commands Commands
	logger   *zap.Logger
	tracer   trace.Tracer
}

func NewCoordinator(commands Commands, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		commands: commands,
		logger:   logger.With(zap.String("component", "SagaCoordinator")),
		tracer:   otel.Tracer("ordering/saga"),
	}
}

// Handle applies one inbound integration event to its order. Duplicates,
// replies for unknown orders and replies that arrive after the order moved on
// are logged and swallowed. Any other error is returned so the transport
// redelivers the event.
func (c *Coordinator) Handle(ctx context.Context, env integration.Envelope) error {
	ctx, span := c.tracer.Start(ctx, "saga.handle", trace.WithAttributes(
		attribute.String("event.id", env.ID),
		attribute.String("event.type", env.EventType),
		attribute.String("order.id", env.OrderID),
	))
	defer span.End()

	fields := []zap.Field{
		zap.String("event_id", env.ID),
		zap.String("event_type", env.EventType),
		zap.String("order_id", env.OrderID),
	}

	err := c.route(ctx, env)
	switch {
	case err == nil:
		c.logger.Debug("Integration event applied", fields...)
		return nil
	case errors.Is(err, errIgnored):
		c.logger.Debug("Ignoring integration event not addressed to the saga", fields...)
		return nil
	case errors.Is(err, orders.ErrDuplicateEvent):
		c.logger.Info("Duplicate integration event discarded", fields...)
		return nil
	case errors.Is(err, domain.ErrInvalidTransition):
		c.logger.Warn("Late integration event discarded", append(fields, zap.Error(err))...)
		return nil
	case errors.Is(err, orders.ErrOrderNotFound):
		c.logger.Warn("Integration event for unknown order discarded", fields...)
		return nil
	case errors.Is(err, errMalformed):
		c.logger.Warn("Malformed integration event discarded", append(fields, zap.Error(err))...)
		return nil
	default:
		span.RecordError(err)
		c.logger.Error("Failed to apply integration event", append(fields, zap.Error(err))...)
		return err
	}
}

var (
	errIgnored   = errors.New("event type not handled")
	errMalformed = errors.New("malformed payload")
)

func (c *Coordinator) route(ctx context.Context, env integration.Envelope) error {
	id := orders.WithEventID(env.ID, env.EventType)

	switch env.EventType {
	case integration.BuyerValidatedEvent:
		return c.commands.ConfirmValidation(ctx, env.OrderID, id)
	case integration.StockConfirmedEvent:
		return c.commands.ConfirmStock(ctx, env.OrderID, id)
	case integration.PaymentSucceededEvent:
		return c.commands.ConfirmPayment(ctx, env.OrderID, id)
	case integration.ShipmentAcceptedEvent:
		return c.commands.ConfirmShipment(ctx, env.OrderID, id)
	}

	var rejection integration.RejectionPayload
	switch env.EventType {
	case integration.BuyerValidationRejectedEvent, integration.StockRejectedEvent, integration.PaymentFailedEvent:
		if err := env.Decode(&rejection); err != nil {
			return errors.Join(errMalformed, err)
		}
	default:
		return errIgnored
	}

	switch env.EventType {
	case integration.BuyerValidationRejectedEvent:
		return c.commands.RejectValidation(ctx, env.OrderID, rejection.Reason, id)
	case integration.StockRejectedEvent:
		return c.commands.RejectStock(ctx, env.OrderID, rejection.Reason, rejection.RejectedProducts, id)
	default:
		return c.commands.RejectPayment(ctx, env.OrderID, rejection.Reason, id)
	}
}
