package domain

import (
	"fmt"
	"time"
)

// Snapshot is the persisted shape of an order. Repositories read and write
// snapshots; only Restore turns one back into an aggregate.
type Snapshot struct {
	ID          string
	BuyerID     string
	Status      OrderStatus
	CancelCause CancellationCause
	Address     Address
	Payment     PaymentMethod
	Items       []OrderItem
	History     []StatusChange
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (o *Order) Snapshot() Snapshot {
	return Snapshot{
		ID:          o.id,
		BuyerID:     o.buyerID,
		Status:      o.status,
		CancelCause: o.cancelCause,
		Address:     o.address,
		Payment:     o.payment,
		Items:       o.Items(),
		History:     o.History(),
		Version:     o.version,
		CreatedAt:   o.createdAt,
		UpdatedAt:   o.updatedAt,
	}
}

func Restore(s Snapshot) (*Order, error) {
	if s.ID == "" {
		return nil, fmt.Errorf("%w: snapshot without id", ErrInvalidOrder)
	}
	if _, err := ParseOrderStatus(string(s.Status)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOrderStatus, err)
	}
	if len(s.Items) == 0 {
		return nil, fmt.Errorf("%w: order %s has no items", ErrInvalidOrder, s.ID)
	}
	if len(s.History) == 0 || s.History[len(s.History)-1].Status != s.Status {
		return nil, fmt.Errorf("%w: order %s history does not end in %s", ErrInvalidOrderStatus, s.ID, s.Status)
	}
	o := &Order{
		id:          s.ID,
		buyerID:     s.BuyerID,
		status:      s.Status,
		cancelCause: s.CancelCause,
		address:     s.Address,
		payment:     s.Payment,
		items:       make([]OrderItem, len(s.Items)),
		history:     make([]StatusChange, len(s.History)),
		version:     s.Version,
		createdAt:   s.CreatedAt,
		updatedAt:   s.UpdatedAt,
	}
	copy(o.items, s.Items)
	copy(o.history, s.History)
	return o, nil
}
