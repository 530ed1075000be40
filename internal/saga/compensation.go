package saga

import (
	"context"

	"ordering/internal/dispatcher"
	"ordering/internal/domain"
	"ordering/internal/integration"
	"ordering/internal/outbox"
	"ordering/internal/util"
)

const compensationHandler = "saga-compensation"

// Compensation asks the stock and payment services to undo what they already
// did for an order that got cancelled. The requests are keyed by order id so
// receivers can apply them idempotently.
type Compensation struct {
	newID util.IDGenerator
}

func NewCompensation(newID util.IDGenerator) *Compensation {
	if newID == nil {
		newID = util.GenerateUUID
	}
	return &Compensation{newID: newID}
}

func (c *Compensation) Register(d *dispatcher.Dispatcher) {
	d.Register(domain.EventOrderCancelled, compensationHandler, c.Handle)
}

func (c *Compensation) Handle(_ context.Context, event domain.Event, batch *dispatcher.Batch) error {
	cancelled, ok := event.(domain.OrderCancelled)
	if !ok {
		return nil
	}

	if cancelled.PreviousStatus == domain.OrderStatusStockConfirmed || cancelled.PreviousStatus == domain.OrderStatusPaid {
		env, err := integration.NewEnvelope(c.newID(), integration.OrderStockReleaseRequestedEvent, cancelled.OrderID, cancelled.At,
			integration.StockReleaseRequestedPayload{StockItems: outbox.StockItems(cancelled.StockItems)})
		if err != nil {
			return err
		}
		batch.Stage(env)
	}

	if cancelled.PreviousStatus == domain.OrderStatusPaid {
		env, err := integration.NewEnvelope(c.newID(), integration.OrderPaymentRefundRequestedEvent, cancelled.OrderID, cancelled.At,
			integration.PaymentRefundRequestedPayload{BuyerID: cancelled.BuyerID, Amount: cancelled.Total})
		if err != nil {
			return err
		}
		batch.Stage(env)
	}
	return nil
}
