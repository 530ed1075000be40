package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventOrderStarted                           = "OrderStarted"
	EventOrderStatusChangedToAwaitingValidation = "OrderStatusChangedToAwaitingValidation"
	EventOrderStatusChangedToStockConfirmed     = "OrderStatusChangedToStockConfirmed"
	EventOrderStatusChangedToPaid               = "OrderStatusChangedToPaid"
	EventOrderShipped                           = "OrderShipped"
	EventOrderCancelled                         = "OrderCancelled"
)

// Event is a fact raised by the order aggregate inside the unit of work that
// changed it. Events are values; handlers must not retain references into them.
type Event interface {
	EventName() string
	AggregateID() string
	OccurredOn() time.Time
}

// StockItem is the product/units pair other services need to reserve or
// decrement stock.
type StockItem struct {
	ProductID string
	Units     int
}

type OrderStarted struct {
	OrderID string
	BuyerID string
	Items   []OrderItem
	Total   decimal.Decimal
	Payment PaymentMethod
	Address Address
	At      time.Time
}

func (e OrderStarted) EventName() string     { return EventOrderStarted }
func (e OrderStarted) AggregateID() string   { return e.OrderID }
func (e OrderStarted) OccurredOn() time.Time { return e.At }

type OrderStatusChangedToAwaitingValidation struct {
	OrderID    string
	BuyerID    string
	StockItems []StockItem
	At         time.Time
}

func (e OrderStatusChangedToAwaitingValidation) EventName() string {
	return EventOrderStatusChangedToAwaitingValidation
}
func (e OrderStatusChangedToAwaitingValidation) AggregateID() string   { return e.OrderID }
func (e OrderStatusChangedToAwaitingValidation) OccurredOn() time.Time { return e.At }

type OrderStatusChangedToStockConfirmed struct {
	OrderID string
	BuyerID string
	Total   decimal.Decimal
	At      time.Time
}

func (e OrderStatusChangedToStockConfirmed) EventName() string {
	return EventOrderStatusChangedToStockConfirmed
}
func (e OrderStatusChangedToStockConfirmed) AggregateID() string   { return e.OrderID }
func (e OrderStatusChangedToStockConfirmed) OccurredOn() time.Time { return e.At }

type OrderStatusChangedToPaid struct {
	OrderID    string
	BuyerID    string
	Total      decimal.Decimal
	StockItems []StockItem
	At         time.Time
}

func (e OrderStatusChangedToPaid) EventName() string     { return EventOrderStatusChangedToPaid }
func (e OrderStatusChangedToPaid) AggregateID() string   { return e.OrderID }
func (e OrderStatusChangedToPaid) OccurredOn() time.Time { return e.At }

type OrderShipped struct {
	OrderID string
	BuyerID string
	At      time.Time
}

func (e OrderShipped) EventName() string     { return EventOrderShipped }
func (e OrderShipped) AggregateID() string   { return e.OrderID }
func (e OrderShipped) OccurredOn() time.Time { return e.At }

// OrderCancelled carries the status the order left so compensation can tell
// which earlier steps already took effect.
type OrderCancelled struct {
	OrderID        string
	BuyerID        string
	PreviousStatus OrderStatus
	Cause          CancellationCause
	Reason         string
	StockItems     []StockItem
	Total          decimal.Decimal
	At             time.Time
}

func (e OrderCancelled) EventName() string     { return EventOrderCancelled }
func (e OrderCancelled) AggregateID() string   { return e.OrderID }
func (e OrderCancelled) OccurredOn() time.Time { return e.At }
