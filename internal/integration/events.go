// Package integration defines the cross-service messages the ordering
// service publishes and consumes. Every message travels in the same Envelope.
package integration

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const SchemaVersion = 1

// Published by the ordering service.
const (
	OrderStartedEvent                           = "OrderStartedIntegrationEvent"
	OrderStatusChangedToAwaitingValidationEvent = "OrderStatusChangedToAwaitingValidationIntegrationEvent"
	OrderStockConfirmedEvent                    = "OrderStockConfirmedIntegrationEvent"
	OrderPaidEvent                              = "OrderPaidIntegrationEvent"
	OrderShippedEvent                           = "OrderShippedIntegrationEvent"
	OrderCancelledEvent                         = "OrderCancelledIntegrationEvent"

	// Compensation requests. Receivers apply them idempotently per order id.
	OrderStockReleaseRequestedEvent  = "OrderStockReleaseRequestedIntegrationEvent"
	OrderPaymentRefundRequestedEvent = "OrderPaymentRefundRequestedIntegrationEvent"
)

// Consumed from other services.
const (
	BuyerValidatedEvent          = "BuyerValidatedIntegrationEvent"
	BuyerValidationRejectedEvent = "BuyerValidationRejectedIntegrationEvent"
	StockConfirmedEvent          = "StockConfirmedIntegrationEvent"
	StockRejectedEvent           = "StockRejectedIntegrationEvent"
	PaymentSucceededEvent        = "PaymentSucceededIntegrationEvent"
	PaymentFailedEvent           = "PaymentFailedIntegrationEvent"
	ShipmentAcceptedEvent        = "ShipmentAcceptedIntegrationEvent"
)

// Envelope is the wire format of every integration event.
type Envelope struct {
	ID            string          `json:"id"`
	EventType     string          `json:"eventType"`
	SchemaVersion int             `json:"schemaVersion"`
	OrderID       string          `json:"orderId"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(id, eventType, orderID string, at time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		ID:            id,
		EventType:     eventType,
		SchemaVersion: SchemaVersion,
		OrderID:       orderID,
		Timestamp:     at.UTC(),
		Payload:       raw,
	}, nil
}

func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("integration event without id")
	}
	if e.EventType == "" {
		return fmt.Errorf("integration event %s without type", e.ID)
	}
	if e.OrderID == "" {
		return fmt.Errorf("integration event %s (%s) without order id", e.ID, e.EventType)
	}
	if e.SchemaVersion > SchemaVersion {
		return fmt.Errorf("integration event %s has unsupported schema version %d", e.ID, e.SchemaVersion)
	}
	return nil
}

func (e Envelope) Decode(target any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return nil
}

func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal integration event: %w", err)
	}
	return e, e.Validate()
}

type OrderItemPayload struct {
	ProductID   string          `json:"productId"`
	ProductName string          `json:"productName,omitempty"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Units       int             `json:"units"`
}

type StockItemPayload struct {
	ProductID string `json:"productId"`
	Units     int    `json:"units"`
}

type OrderStartedPayload struct {
	BuyerID        string             `json:"buyerId"`
	Items          []OrderItemPayload `json:"items"`
	Total          decimal.Decimal    `json:"total"`
	CardType       string             `json:"cardType"`
	CardNumber     string             `json:"cardNumber"`
	CardHolderName string             `json:"cardHolderName"`
	CardExpiration time.Time          `json:"cardExpiration"`
	City           string             `json:"city,omitempty"`
	Country        string             `json:"country,omitempty"`
}

type AwaitingValidationPayload struct {
	BuyerID    string             `json:"buyerId"`
	StockItems []StockItemPayload `json:"stockItems"`
}

type StockConfirmedPayload struct {
	BuyerID string          `json:"buyerId"`
	Total   decimal.Decimal `json:"total"`
}

type OrderPaidPayload struct {
	BuyerID    string             `json:"buyerId"`
	Total      decimal.Decimal    `json:"total"`
	StockItems []StockItemPayload `json:"stockItems"`
}

type OrderShippedPayload struct {
	BuyerID string `json:"buyerId"`
}

type OrderCancelledPayload struct {
	BuyerID        string `json:"buyerId"`
	PreviousStatus string `json:"previousStatus"`
	Cause          string `json:"cause"`
	Reason         string `json:"reason"`
}

type StockReleaseRequestedPayload struct {
	StockItems []StockItemPayload `json:"stockItems"`
}

type PaymentRefundRequestedPayload struct {
	BuyerID string          `json:"buyerId"`
	Amount  decimal.Decimal `json:"amount"`
}

// RejectionPayload is carried by the inbound rejection/failure events.
type RejectionPayload struct {
	Reason           string   `json:"reason,omitempty"`
	RejectedProducts []string `json:"rejectedProducts,omitempty"`
}
