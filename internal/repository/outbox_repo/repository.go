package outbox_repo

import (
	"context"
	"errors"
	"time"
)

type OutboxStatus string

const (
	StatusPending   OutboxStatus = "PENDING"
	StatusPublished OutboxStatus = "PUBLISHED"
	// StatusFailed records exceeded the retry ceiling and wait for an operator.
	StatusFailed OutboxStatus = "FAILED"
)

var (
	ErrNotFound  = errors.New("outbox message not found")
	ErrLeaseLost = errors.New("outbox message lease lost")
)

type OutboxMessage struct {
	Seq           int64
	ID            string
	OrderID       string
	EventType     string
	Payload       []byte
	Status        OutboxStatus
	Attempts      int
	NextAttemptAt time.Time
	LeaseOwner    string
	LeaseUntil    time.Time
	LastError     string
	CreatedAt     time.Time
	PublishedAt   time.Time
}

type OutboxRepository interface {
	// Claim leases up to limit due PENDING messages to owner, in sequence
	// order. A message is never claimed while an earlier message of the same
	// order is unpublished and not itself claimable.
	Claim(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]OutboxMessage, error)
	MarkPublished(ctx context.Context, id, owner string, at time.Time) error
	MarkRetry(ctx context.Context, id, owner string, attempts int, next time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id, owner string, attempts int, lastErr string) error
	// Release drops owner's lease on messages it claimed but did not attempt.
	Release(ctx context.Context, owner string, ids []string) error
	ListFailed(ctx context.Context, limit int) ([]OutboxMessage, error)
	// Requeue puts a FAILED message back to PENDING with its attempts reset.
	Requeue(ctx context.Context, id string, at time.Time) error
	ListByOrder(ctx context.Context, orderID string) ([]OutboxMessage, error)
}
