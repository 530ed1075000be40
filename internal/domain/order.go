package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type OrderItem struct {
	ProductID   string
	ProductName string
	UnitPrice   decimal.Decimal
	Units       int
}

func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Units)))
}

type Address struct {
	Street  string
	City    string
	State   string
	Country string
	ZipCode string
}

// StatusChange is one entry of the append-only status history.
type StatusChange struct {
	Status      OrderStatus
	Description string
	OccurredAt  time.Time
}

// Order is the aggregate root. All state changes go through its methods; each
// successful transition appends one history entry and returns one event.
type Order struct {
	id          string
	buyerID     string
	status      OrderStatus
	cancelCause CancellationCause
	address     Address
	payment     PaymentMethod
	items       []OrderItem
	history     []StatusChange
	version     int64
	createdAt   time.Time
	updatedAt   time.Time
}

// NewOrder creates a submitted order from a checkout and raises OrderStarted.
func NewOrder(id, buyerID string, items []OrderItem, address Address, card CardDetails, at time.Time) (*Order, Event, error) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(buyerID) == "" {
		return nil, nil, fmt.Errorf("%w: order id and buyer id are required", ErrInvalidOrder)
	}
	merged, err := mergeItems(items)
	if err != nil {
		return nil, nil, err
	}
	if err := card.Validate(at); err != nil {
		return nil, nil, err
	}

	at = at.UTC()
	o := &Order{
		id:        id,
		buyerID:   buyerID,
		status:    OrderStatusSubmitted,
		address:   address,
		payment:   card.Mask(),
		items:     merged,
		createdAt: at,
		updatedAt: at,
	}
	o.history = append(o.history, StatusChange{
		Status:      OrderStatusSubmitted,
		Description: "Order submitted by buyer",
		OccurredAt:  at,
	})

	return o, OrderStarted{
		OrderID: o.id,
		BuyerID: o.buyerID,
		Items:   o.Items(),
		Total:   o.Total(),
		Payment: o.payment,
		Address: o.address,
		At:      at,
	}, nil
}

// mergeItems validates line items and folds repeated products together.
func mergeItems(items []OrderItem) ([]OrderItem, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", ErrInvalidOrder)
	}
	merged := make([]OrderItem, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		item.ProductID = strings.TrimSpace(item.ProductID)
		if item.ProductID == "" {
			return nil, fmt.Errorf("%w: product id is required", ErrInvalidOrder)
		}
		if item.Units <= 0 {
			return nil, fmt.Errorf("%w: units for product %s must be positive", ErrInvalidOrder, item.ProductID)
		}
		if !item.UnitPrice.IsPositive() {
			return nil, fmt.Errorf("%w: unit price for product %s must be positive", ErrInvalidOrder, item.ProductID)
		}
		if i, ok := index[item.ProductID]; ok {
			if !merged[i].UnitPrice.Equal(item.UnitPrice) {
				return nil, fmt.Errorf("%w: product %s listed with different prices", ErrInvalidOrder, item.ProductID)
			}
			merged[i].Units += item.Units
			if merged[i].Units <= 0 {
				return nil, fmt.Errorf("%w: units for product %s overflow", ErrInvalidOrder, item.ProductID)
			}
			continue
		}
		index[item.ProductID] = len(merged)
		merged = append(merged, item)
	}
	return merged, nil
}

func (o *Order) ID() string                           { return o.id }
func (o *Order) BuyerID() string                      { return o.buyerID }
func (o *Order) Status() OrderStatus                  { return o.status }
func (o *Order) CancellationCause() CancellationCause { return o.cancelCause }
func (o *Order) Address() Address                     { return o.address }
func (o *Order) PaymentMethod() PaymentMethod         { return o.payment }
func (o *Order) Version() int64                       { return o.version }
func (o *Order) CreatedAt() time.Time                 { return o.createdAt }
func (o *Order) UpdatedAt() time.Time                 { return o.updatedAt }

func (o *Order) Items() []OrderItem {
	items := make([]OrderItem, len(o.items))
	copy(items, o.items)
	return items
}

func (o *Order) History() []StatusChange {
	history := make([]StatusChange, len(o.history))
	copy(history, o.history)
	return history
}

// Total is always derived from the line items.
func (o *Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.items {
		total = total.Add(item.Subtotal())
	}
	return total
}

func (o *Order) stockItems() []StockItem {
	stock := make([]StockItem, 0, len(o.items))
	for _, item := range o.items {
		stock = append(stock, StockItem{ProductID: item.ProductID, Units: item.Units})
	}
	return stock
}

// HasReached reports whether the order is at or past target. A cancelled order
// has only reached Cancelled.
func (o *Order) HasReached(target OrderStatus) bool {
	if o.status == target {
		return true
	}
	if o.status == OrderStatusCancelled || target == OrderStatusCancelled {
		return false
	}
	return progress[o.status] > progress[target]
}

func (o *Order) SetAwaitingValidationStatus(at time.Time) (Event, error) {
	if err := o.require(OrderStatusSubmitted, OrderStatusAwaitingValidation); err != nil {
		return nil, err
	}
	if o.buyerID == "" || !o.payment.Complete() {
		return nil, fmt.Errorf("%w: order %s", ErrPaymentIncomplete, o.id)
	}
	o.apply(OrderStatusAwaitingValidation, "Buyer and payment method validated, awaiting stock validation", at)
	return OrderStatusChangedToAwaitingValidation{
		OrderID:    o.id,
		BuyerID:    o.buyerID,
		StockItems: o.stockItems(),
		At:         o.updatedAt,
	}, nil
}

func (o *Order) SetStockConfirmedStatus(at time.Time) (Event, error) {
	if err := o.require(OrderStatusAwaitingValidation, OrderStatusStockConfirmed); err != nil {
		return nil, err
	}
	o.apply(OrderStatusStockConfirmed, "All the items were confirmed with available stock", at)
	return OrderStatusChangedToStockConfirmed{
		OrderID: o.id,
		BuyerID: o.buyerID,
		Total:   o.Total(),
		At:      o.updatedAt,
	}, nil
}

func (o *Order) SetPaidStatus(at time.Time) (Event, error) {
	if err := o.require(OrderStatusStockConfirmed, OrderStatusPaid); err != nil {
		return nil, err
	}
	o.apply(OrderStatusPaid, "The payment was accepted", at)
	return OrderStatusChangedToPaid{
		OrderID:    o.id,
		BuyerID:    o.buyerID,
		Total:      o.Total(),
		StockItems: o.stockItems(),
		At:         o.updatedAt,
	}, nil
}

func (o *Order) SetShippedStatus(at time.Time) (Event, error) {
	if err := o.require(OrderStatusPaid, OrderStatusShipped); err != nil {
		return nil, err
	}
	o.apply(OrderStatusShipped, "The order was shipped", at)
	return OrderShipped{
		OrderID: o.id,
		BuyerID: o.buyerID,
		At:      o.updatedAt,
	}, nil
}

// RejectValidation cancels an order whose stock has not been confirmed yet.
// AwaitingValidation is accepted too: the grace period can move an order
// there before the buyer service has answered.
func (o *Order) RejectValidation(reason string, at time.Time) (Event, error) {
	if o.status != OrderStatusSubmitted && o.status != OrderStatusAwaitingValidation {
		return nil, o.invalid(OrderStatusCancelled)
	}
	return o.cancel(CauseValidationRejected, describe(reason, "Buyer validation was rejected"), at), nil
}

// RejectStock cancels an order awaiting validation; rejected product ids are
// appended to the history description.
func (o *Order) RejectStock(rejectedProducts []string, reason string, at time.Time) (Event, error) {
	if err := o.require(OrderStatusAwaitingValidation, OrderStatusCancelled); err != nil {
		return nil, err
	}
	description := describe(reason, "Stock was rejected")
	if len(rejectedProducts) > 0 {
		description = fmt.Sprintf("%s: out of stock products %s", description, strings.Join(rejectedProducts, ", "))
	}
	return o.cancel(CauseStockRejected, description, at), nil
}

func (o *Order) RejectPayment(reason string, at time.Time) (Event, error) {
	if err := o.require(OrderStatusStockConfirmed, OrderStatusCancelled); err != nil {
		return nil, err
	}
	return o.cancel(CausePaymentRejected, describe(reason, "The payment was rejected"), at), nil
}

// Cancel is allowed from any non-terminal status.
func (o *Order) Cancel(reason string, cause CancellationCause, at time.Time) (Event, error) {
	if o.status.IsTerminal() {
		return nil, o.invalid(OrderStatusCancelled)
	}
	if cause == CauseNone {
		cause = CauseRequested
	}
	return o.cancel(cause, describe(reason, "The order was cancelled"), at), nil
}

func (o *Order) cancel(cause CancellationCause, description string, at time.Time) Event {
	previous := o.status
	o.cancelCause = cause
	o.apply(OrderStatusCancelled, description, at)
	return OrderCancelled{
		OrderID:        o.id,
		BuyerID:        o.buyerID,
		PreviousStatus: previous,
		Cause:          cause,
		Reason:         description,
		StockItems:     o.stockItems(),
		Total:          o.Total(),
		At:             o.updatedAt,
	}
}

func (o *Order) require(from, to OrderStatus) error {
	if o.status != from {
		return o.invalid(to)
	}
	return nil
}

func (o *Order) invalid(to OrderStatus) error {
	return fmt.Errorf("%w: order %s cannot move from %s to %s", ErrInvalidTransition, o.id, o.status, to)
}

func (o *Order) apply(status OrderStatus, description string, at time.Time) {
	at = at.UTC()
	o.status = status
	o.updatedAt = at
	o.history = append(o.history, StatusChange{
		Status:      status,
		Description: description,
		OccurredAt:  at,
	})
}

func describe(reason, fallback string) string {
	if r := strings.TrimSpace(reason); r != "" {
		return r
	}
	return fallback
}
