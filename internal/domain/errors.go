package domain

import "errors"

var (
	ErrInvalidOrder       = errors.New("invalid order data")
	ErrInvalidPayment     = errors.New("invalid payment details")
	ErrPaymentIncomplete  = errors.New("payment details are incomplete")
	ErrInvalidTransition  = errors.New("invalid order status transition")
	ErrInvalidOrderStatus = errors.New("invalid order status")
)
