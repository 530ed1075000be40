package outbox

import (
	"context"
	"errors"
	"fmt"

	"ordering/internal/dispatcher"
	"ordering/internal/domain"
	"ordering/internal/integration"
	"ordering/internal/util"
)

var ErrUntranslatable = errors.New("domain event has no integration projection")

const translatorHandler = "integration-translator"

// Translator stages exactly one integration event per domain event into the
// unit-of-work batch. The batch is written to outbox_messages by the same
// commit as the order.
type Translator struct {
	newID util.IDGenerator
}

func NewTranslator(newID util.IDGenerator) *Translator {
	if newID == nil {
		newID = util.GenerateUUID
	}
	return &Translator{newID: newID}
}

func (t *Translator) Register(d *dispatcher.Dispatcher) {
	for _, name := range []string{
		domain.EventOrderStarted,
		domain.EventOrderStatusChangedToAwaitingValidation,
		domain.EventOrderStatusChangedToStockConfirmed,
		domain.EventOrderStatusChangedToPaid,
		domain.EventOrderShipped,
		domain.EventOrderCancelled,
	} {
		d.Register(name, translatorHandler, t.Handle)
	}
}

func (t *Translator) Handle(_ context.Context, event domain.Event, batch *dispatcher.Batch) error {
	eventType, payload, err := Translate(event)
	if err != nil {
		return err
	}
	env, err := integration.NewEnvelope(t.newID(), eventType, event.AggregateID(), event.OccurredOn(), payload)
	if err != nil {
		return err
	}
	batch.Stage(env)
	return nil
}

// Translate maps a domain event to its integration event type and payload.
func Translate(event domain.Event) (string, any, error) {
	switch e := event.(type) {
	case domain.OrderStarted:
		items := make([]integration.OrderItemPayload, len(e.Items))
		for i, item := range e.Items {
			items[i] = integration.OrderItemPayload{
				ProductID:   item.ProductID,
				ProductName: item.ProductName,
				UnitPrice:   item.UnitPrice,
				Units:       item.Units,
			}
		}
		return integration.OrderStartedEvent, integration.OrderStartedPayload{
			BuyerID:        e.BuyerID,
			Items:          items,
			Total:          e.Total,
			CardType:       e.Payment.CardType.String(),
			CardNumber:     e.Payment.MaskedNumber,
			CardHolderName: e.Payment.HolderName,
			CardExpiration: e.Payment.Expiration,
			City:           e.Address.City,
			Country:        e.Address.Country,
		}, nil
	case domain.OrderStatusChangedToAwaitingValidation:
		return integration.OrderStatusChangedToAwaitingValidationEvent, integration.AwaitingValidationPayload{
			BuyerID:    e.BuyerID,
			StockItems: StockItems(e.StockItems),
		}, nil
	case domain.OrderStatusChangedToStockConfirmed:
		return integration.OrderStockConfirmedEvent, integration.StockConfirmedPayload{
			BuyerID: e.BuyerID,
			Total:   e.Total,
		}, nil
	case domain.OrderStatusChangedToPaid:
		return integration.OrderPaidEvent, integration.OrderPaidPayload{
			BuyerID:    e.BuyerID,
			Total:      e.Total,
			StockItems: StockItems(e.StockItems),
		}, nil
	case domain.OrderShipped:
		return integration.OrderShippedEvent, integration.OrderShippedPayload{BuyerID: e.BuyerID}, nil
	case domain.OrderCancelled:
		return integration.OrderCancelledEvent, integration.OrderCancelledPayload{
			BuyerID:        e.BuyerID,
			PreviousStatus: string(e.PreviousStatus),
			Cause:          string(e.Cause),
			Reason:         e.Reason,
		}, nil
	default:
		return "", nil, fmt.Errorf("%w: %s", ErrUntranslatable, event.EventName())
	}
}

func StockItems(items []domain.StockItem) []integration.StockItemPayload {
	out := make([]integration.StockItemPayload, len(items))
	for i, item := range items {
		out[i] = integration.StockItemPayload{ProductID: item.ProductID, Units: item.Units}
	}
	return out
}
