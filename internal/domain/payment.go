package domain

import (
	"fmt"
	"strings"
	"time"
)

type CardType int

const (
	CardTypeAmex       CardType = 1
	CardTypeVisa       CardType = 2
	CardTypeMasterCard CardType = 3
)

func (c CardType) Valid() bool {
	return c >= CardTypeAmex && c <= CardTypeMasterCard
}

func (c CardType) String() string {
	switch c {
	case CardTypeAmex:
		return "Amex"
	case CardTypeVisa:
		return "Visa"
	case CardTypeMasterCard:
		return "MasterCard"
	default:
		return fmt.Sprintf("CardType(%d)", int(c))
	}
}

// CardDetails is the payment data a buyer submits at checkout. It is only
// held long enough to be validated and masked; it is never persisted.
type CardDetails struct {
	CardType       CardType
	Number         string
	SecurityNumber string
	HolderName     string
	Expiration     time.Time
}

func (c CardDetails) Validate(now time.Time) error {
	if !c.CardType.Valid() {
		return fmt.Errorf("%w: unknown card type %d", ErrInvalidPayment, int(c.CardType))
	}
	number := normalizeCardNumber(c.Number)
	if len(number) < 12 || len(number) > 19 || !allDigits(number) {
		return fmt.Errorf("%w: card number must have 12 to 19 digits", ErrInvalidPayment)
	}
	if len(c.SecurityNumber) < 3 || len(c.SecurityNumber) > 4 || !allDigits(c.SecurityNumber) {
		return fmt.Errorf("%w: security number must have 3 or 4 digits", ErrInvalidPayment)
	}
	if strings.TrimSpace(c.HolderName) == "" {
		return fmt.Errorf("%w: card holder name is required", ErrInvalidPayment)
	}
	if c.Expiration.IsZero() || c.Expiration.Before(now) {
		return fmt.Errorf("%w: card is expired", ErrInvalidPayment)
	}
	return nil
}

// Mask keeps the last four digits of the card number and drops the security number.
func (c CardDetails) Mask() PaymentMethod {
	number := normalizeCardNumber(c.Number)
	last4 := number
	if len(number) > 4 {
		last4 = number[len(number)-4:]
	}
	return PaymentMethod{
		CardType:     c.CardType,
		MaskedNumber: "XXXX-XXXX-XXXX-" + last4,
		HolderName:   strings.TrimSpace(c.HolderName),
		Expiration:   c.Expiration.UTC(),
	}
}

// PaymentMethod is the stored, masked reference to the buyer's card.
type PaymentMethod struct {
	CardType     CardType
	MaskedNumber string
	HolderName   string
	Expiration   time.Time
}

func (p PaymentMethod) Complete() bool {
	return p.CardType.Valid() &&
		p.MaskedNumber != "" &&
		p.HolderName != "" &&
		!p.Expiration.IsZero()
}

func normalizeCardNumber(number string) string {
	return strings.NewReplacer(" ", "", "-", "").Replace(number)
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
