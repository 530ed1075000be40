package orders

import (
	"time"

	"github.com/shopspring/decimal"

	"ordering/internal/domain"
)

type StartOrderRequest struct {
	BuyerID string             `json:"buyerId"`
	Items   []OrderItemRequest `json:"items"`
	Address AddressDTO         `json:"address"`
	Card    CardRequest        `json:"card"`
}

type OrderItemRequest struct {
	ProductID   string          `json:"productId"`
	ProductName string          `json:"productName,omitempty"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Units       int             `json:"units"`
}

type AddressDTO struct {
	Street  string `json:"street,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Country string `json:"country,omitempty"`
	ZipCode string `json:"zipCode,omitempty"`
}

type CardRequest struct {
	CardTypeID     int       `json:"cardTypeId"`
	Number         string    `json:"cardNumber"`
	SecurityNumber string    `json:"cardSecurityNumber"`
	HolderName     string    `json:"cardHolderName"`
	Expiration     time.Time `json:"cardExpiration"`
}

type OrderResponse struct {
	ID                string             `json:"id"`
	BuyerID           string             `json:"buyerId"`
	Status            string             `json:"status"`
	CancellationCause string             `json:"cancellationCause,omitempty"`
	Total             decimal.Decimal    `json:"total"`
	Items             []OrderItemRequest `json:"items"`
	Address           AddressDTO         `json:"address"`
	Payment           PaymentResponse    `json:"payment"`
	History           []HistoryResponse  `json:"history"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}

type PaymentResponse struct {
	CardType     string    `json:"cardType"`
	MaskedNumber string    `json:"maskedNumber"`
	HolderName   string    `json:"cardHolderName"`
	Expiration   time.Time `json:"cardExpiration"`
}

type HistoryResponse struct {
	Status      string    `json:"status"`
	Description string    `json:"description,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

func (r StartOrderRequest) items() []domain.OrderItem {
	items := make([]domain.OrderItem, len(r.Items))
	for i, item := range r.Items {
		items[i] = domain.OrderItem{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			UnitPrice:   item.UnitPrice,
			Units:       item.Units,
		}
	}
	return items
}

func (r StartOrderRequest) address() domain.Address {
	return domain.Address(r.Address)
}

func (r StartOrderRequest) card() domain.CardDetails {
	return domain.CardDetails{
		CardType:       domain.CardType(r.Card.CardTypeID),
		Number:         r.Card.Number,
		SecurityNumber: r.Card.SecurityNumber,
		HolderName:     r.Card.HolderName,
		Expiration:     r.Card.Expiration,
	}
}

func mapOrderToResponse(order *domain.Order) *OrderResponse {
	items := order.Items()
	history := order.History()
	payment := order.PaymentMethod()

	res := &OrderResponse{
		ID:                order.ID(),
		BuyerID:           order.BuyerID(),
		Status:            string(order.Status()),
		CancellationCause: string(order.CancellationCause()),
		Total:             order.Total(),
		Items:             make([]OrderItemRequest, len(items)),
		Address:           AddressDTO(order.Address()),
		Payment: PaymentResponse{
			CardType:     payment.CardType.String(),
			MaskedNumber: payment.MaskedNumber,
			HolderName:   payment.HolderName,
			Expiration:   payment.Expiration,
		},
		History:   make([]HistoryResponse, len(history)),
		CreatedAt: order.CreatedAt(),
		UpdatedAt: order.UpdatedAt(),
	}
	for i, item := range items {
		res.Items[i] = OrderItemRequest{
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			UnitPrice:   item.UnitPrice,
			Units:       item.Units,
		}
	}
	for i, h := range history {
		res.History[i] = HistoryResponse{Status: string(h.Status), Description: h.Description, OccurredAt: h.OccurredAt}
	}
	return res
}
