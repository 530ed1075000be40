package order_repo

import (
	"context"
	"errors"
	"time"

	"ordering/internal/domain"
	"ordering/internal/integration"
)

var (
	ErrNotFound            = errors.New("order not found")
	ErrConcurrencyConflict = errors.New("order was modified concurrently")
	ErrDuplicateEvent      = errors.New("integration event already processed")
)

// InboundEvent identifies an integration event consumed by this unit of work.
type InboundEvent struct {
	ID      string
	Type    string
	OrderID string
}

// Change is one unit of work: the order state, the history entries appended
// since it was loaded, the integration events staged by the dispatcher and,
// for saga-driven commands, the inbound event being consumed. Commit writes all
// of it atomically or nothing.
type Change struct {
	Order            domain.Snapshot
	PersistedHistory int
	Outbox           []integration.Envelope
	Inbox            *InboundEvent
	At               time.Time
}

// IsNew reports whether the order has never been stored.
func (c Change) IsNew() bool { return c.Order.Version == 0 }

type OrderRepository interface {
	Load(ctx context.Context, id string) (domain.Snapshot, error)
	// Commit returns the stored version. A version mismatch yields
	// ErrConcurrencyConflict; an already recorded inbound event yields
	// ErrDuplicateEvent.
	Commit(ctx context.Context, change Change) (int64, error)
	ListByBuyer(ctx context.Context, buyerID string) ([]domain.Snapshot, error)
	// ListStalled returns ids of orders resting in one of statuses since before
	// the given instant, oldest first.
	ListStalled(ctx context.Context, statuses []domain.OrderStatus, before time.Time, limit int) ([]string, error)
	HasProcessed(ctx context.Context, eventID string) (bool, error)
}
