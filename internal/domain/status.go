package domain

import "fmt"

type OrderStatus string

const (
	OrderStatusSubmitted          OrderStatus = "SUBMITTED"
	OrderStatusAwaitingValidation OrderStatus = "AWAITING_VALIDATION"
	OrderStatusStockConfirmed     OrderStatus = "STOCK_CONFIRMED"
	OrderStatusPaid               OrderStatus = "PAID"
	OrderStatusShipped            OrderStatus = "SHIPPED"
	OrderStatusCancelled          OrderStatus = "CANCELLED"
)

// progress is the position of each status on the happy path. Cancelled is off the path.
var progress = map[OrderStatus]int{
	OrderStatusSubmitted:          0,
	OrderStatusAwaitingValidation: 1,
	OrderStatusStockConfirmed:     2,
	OrderStatusPaid:               3,
	OrderStatusShipped:            4,
}

func ParseOrderStatus(s string) (OrderStatus, error) {
	status := OrderStatus(s)
	if status == OrderStatusCancelled {
		return status, nil
	}
	if _, ok := progress[status]; !ok {
		return "", fmt.Errorf("unknown order status %q", s)
	}
	return status, nil
}

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusShipped || s == OrderStatusCancelled
}

// AwaitingConfirmation reports whether the saga is waiting on another service
// (buyer validation, stock or payment) while the order rests in this status.
func (s OrderStatus) AwaitingConfirmation() bool {
	switch s {
	case OrderStatusSubmitted, OrderStatusAwaitingValidation, OrderStatusStockConfirmed:
		return true
	default:
		return false
	}
}

// CancellationCause records why an order ended up cancelled.
type CancellationCause string

const (
	CauseNone               CancellationCause = ""
	CauseRequested          CancellationCause = "REQUESTED"
	CauseValidationRejected CancellationCause = "VALIDATION_REJECTED"
	CauseStockRejected      CancellationCause = "STOCK_REJECTED"
	CausePaymentRejected    CancellationCause = "PAYMENT_REJECTED"
	CauseTimeout            CancellationCause = "TIMEOUT"
)
