package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"ordering/internal/dispatcher"
	"ordering/internal/domain"
	"ordering/internal/infrastructure/lock"
	"ordering/internal/repository/order_repo"
	"ordering/internal/util"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrInvalidOrder  = errors.New("invalid order data")
	// ErrTransientFailure means optimistic-concurrency retries ran out or the
	// order lock could not be taken. The command may be retried as is.
	ErrTransientFailure = errors.New("transient failure, retry later")
	ErrDuplicateEvent   = order_repo.ErrDuplicateEvent
)

const TimeoutReason = "timed out awaiting confirmation"

// OrderService is what the buyer and operator API needs.
type OrderService interface {
	StartOrder(ctx context.Context, req *StartOrderRequest) (string, error)
	GetOrder(ctx context.Context, orderID string) (*OrderResponse, error)
	ListOrdersByBuyer(ctx context.Context, buyerID string) ([]*OrderResponse, error)
	CancelOrder(ctx context.Context, orderID, reason string, opts ...CommandOption) error
	ConfirmShipment(ctx context.Context, orderID string, opts ...CommandOption) error
}

type Config struct {
	ConflictRetries uint
	RetryBackoff    time.Duration
}

type Service struct {
	repo       order_repo.OrderRepository
	dispatcher *dispatcher.Dispatcher
	locker     lock.Locker
	cfg        Config
	newID      util.IDGenerator
	now        func() time.Time
	logger     *zap.Logger
	tracer     trace.Tracer
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(newID util.IDGenerator) Option {
	return func(s *Service) { s.newID = newID }
}

func NewService(
	repo order_repo.OrderRepository,
	d *dispatcher.Dispatcher,
	locker lock.Locker,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Service {
	if cfg.ConflictRetries == 0 {
		cfg.ConflictRetries = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 10 * time.Millisecond
	}
	s := &Service{
		repo:       repo,
		dispatcher: d,
		locker:     locker,
		cfg:        cfg,
		newID:      util.GenerateUUID,
		now:        time.Now,
		logger:     logger,
		tracer:     otel.Tracer("ordering/orders"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type commandOptions struct {
	inbound *order_repo.InboundEvent
}

type CommandOption func(*commandOptions)

// WithEventID ties a command to the integration event that caused it. The id
// is recorded in the same commit as the transition and a redelivery of the
// same id fails with ErrDuplicateEvent.
func WithEventID(eventID, eventType string) CommandOption {
	return func(o *commandOptions) {
		if eventID != "" {
			o.inbound = &order_repo.InboundEvent{ID: eventID, Type: eventType}
		}
	}
}

// mutation applies one guarded transition. A nil event with a nil error means
// the order is already past the implied state and nothing is written.
type mutation func(o *domain.Order, at time.Time) (domain.Event, error)

func (s *Service) StartOrder(ctx context.Context, req *StartOrderRequest) (string, error) {
	ctx, span := s.tracer.Start(ctx, "orders.StartOrder", trace.WithAttributes(attribute.String("buyer.id", req.BuyerID)))
	defer span.End()

	now := s.now()
	order, event, err := domain.NewOrder(s.newID(), req.BuyerID, req.items(), req.address(), req.card(), now)
	if err != nil {
		s.logger.Warn("Rejected order checkout", zap.String("buyer_id", req.BuyerID), zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrInvalidOrder, err)
	}

	batch := &dispatcher.Batch{}
	if _, err := s.dispatcher.Publish(ctx, batch, event); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("dispatch %s: %w", event.EventName(), err)
	}
	if _, err := s.repo.Commit(ctx, order_repo.Change{
		Order:  order.Snapshot(),
		Outbox: batch.Envelopes(),
		At:     now,
	}); err != nil {
		span.RecordError(err)
		s.logger.Error("Failed to save new order", zap.String("order_id", order.ID()), zap.Error(err))
		return "", fmt.Errorf("save order %s: %w", order.ID(), err)
	}

	span.SetAttributes(attribute.String("order.id", order.ID()))
	s.logger.Info("Order started",
		zap.String("order_id", order.ID()),
		zap.String("buyer_id", order.BuyerID()),
		zap.String("total", order.Total().String()))
	return order.ID(), nil
}

func (s *Service) ConfirmValidation(ctx context.Context, orderID string, opts ...CommandOption) error {
	return s.apply(ctx, orderID, "ConfirmValidation", opts, func(o *domain.Order, at time.Time) (domain.Event, error) {
		if o.HasReached(domain.OrderStatusAwaitingValidation) {
			return nil, nil
		}
		return o.SetAwaitingValidationStatus(at)
	})
}

func (s *Service) RejectValidation(ctx context.Context, orderID, reason string, opts ...CommandOption) error {
	return s.apply(ctx, orderID, "RejectValidation", opts, func(o *domain.Order, at time.Time) (domain.Event, error) {
		if o.HasReached(domain.OrderStatusCancelled) {
			return nil, nil
		}
		return o.RejectValidation(reason, at)
	})
}

func (s *Service) ConfirmStock(ctx context.Context, orderID string, opts ...CommandOption) error {
	return s.apply(ctx, orderID, "ConfirmStock", opts, func(o *domain.Order, at time.Time) (domain.Event, error) {
		if o.HasReached(domain.OrderStatusStockConfirmed) {
			return nil, nil
		}
		return o.SetStockConfirmedStatus(at)
	})
}

func (s *Service) RejectStock(ctx context.Context, orderID, reason string, rejectedProducts []string, opts ...CommandOption) error {
	return s.apply(ctx, orderID, "RejectStock", opts, func(o *domain.Order, at time.Time) (domain.Event, error) {
		if o.HasReached(domain.OrderStatusCancelled) {
			return nil, nil
		}
		return o.RejectStock(rejectedProducts, reason, at)
	})
}

func (s *Service) ConfirmPayment(ctx context.Context, orderID string, opts ...CommandOption) error {
	return s.apply(ctx, orderID, "ConfirmPayment", opts, func(o *domain.Order, at time.Time) (domain.Event, error) {
		if o.HasReached(domain.OrderStatusPaid) {
			return nil, nil
		}
		return o.SetPaidStatus(at)
	})
}

func (s *Service) RejectPayment(ctx context.Context, orderID, reason string, opts ...CommandOption) error {
	return s.apply(ctx, orderID, "RejectPayment", opts, func(o *domain.Order, at time.Time) (domain.Event, error) {
		if o.HasReached(domain.OrderStatusCancelled) {
			return nil, nil
		}
		return o.RejectPayment(reason, at)
	})
}

func (s *Service) ConfirmShipment(ctx context.Context, orderID string, opts ...CommandOption) error {
	return s.apply(ctx, orderID, "ConfirmShipment", opts, func(o *domain.Order, at time.Time) (domain.Event, error) {
		if o.HasReached(domain.OrderStatusShipped) {
			return nil, nil
		}
		return o.SetShippedStatus(at)
	})
}

func (s *Service) CancelOrder(ctx context.Context, orderID, reason string, opts ...CommandOption) error {
	return s.apply(ctx, orderID, "CancelOrder", opts, func(o *domain.Order, at time.Time) (domain.Event, error) {
		if o.HasReached(domain.OrderStatusCancelled) {
			return nil, nil
		}
		return o.Cancel(reason, domain.CauseRequested, at)
	})
}

// ExpireOrder cancels the order for timeout if it still waits on another
// service and has not moved since cutoff. It reports whether it cancelled.
func (s *Service) ExpireOrder(ctx context.Context, orderID string, cutoff time.Time) (bool, error) {
	expired := false
	err := s.apply(ctx, orderID, "ExpireOrder", nil, func(o *domain.Order, at time.Time) (domain.Event, error) {
		if !o.Status().AwaitingConfirmation() || o.UpdatedAt().After(cutoff) {
			return nil, nil
		}
		event, err := o.Cancel(TimeoutReason, domain.CauseTimeout, at)
		expired = err == nil
		return event, err
	})
	return expired, err
}

// ConfirmAfterGracePeriod moves a still-submitted order to awaiting
// validation once it has rested since cutoff, ending the buyer's window to
// cancel for free.
func (s *Service) ConfirmAfterGracePeriod(ctx context.Context, orderID string, cutoff time.Time) (bool, error) {
	confirmed := false
	err := s.apply(ctx, orderID, "ConfirmAfterGracePeriod", nil, func(o *domain.Order, at time.Time) (domain.Event, error) {
		if o.Status() != domain.OrderStatusSubmitted || o.UpdatedAt().After(cutoff) {
			return nil, nil
		}
		event, err := o.SetAwaitingValidationStatus(at)
		confirmed = err == nil
		return event, err
	})
	return confirmed, err
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (*OrderResponse, error) {
	snap, err := s.repo.Load(ctx, orderID)
	if err != nil {
		if errors.Is(err, order_repo.ErrNotFound) {
			s.logger.Debug("Order not found", zap.String("order_id", orderID))
			return nil, ErrOrderNotFound
		}
		s.logger.Error("Failed to get order from repository", zap.String("order_id", orderID), zap.Error(err))
		return nil, fmt.Errorf("load order %s: %w", orderID, err)
	}
	order, err := domain.Restore(snap)
	if err != nil {
		return nil, fmt.Errorf("restore order %s: %w", orderID, err)
	}
	return mapOrderToResponse(order), nil
}

func (s *Service) ListOrdersByBuyer(ctx context.Context, buyerID string) ([]*OrderResponse, error) {
	snaps, err := s.repo.ListByBuyer(ctx, buyerID)
	if err != nil {
		s.logger.Error("Failed to get orders for buyer from repository", zap.String("buyer_id", buyerID), zap.Error(err))
		return nil, fmt.Errorf("list orders of buyer %s: %w", buyerID, err)
	}
	responses := make([]*OrderResponse, 0, len(snaps))
	for _, snap := range snaps {
		order, err := domain.Restore(snap)
		if err != nil {
			return nil, fmt.Errorf("restore order %s: %w", snap.ID, err)
		}
		responses = append(responses, mapOrderToResponse(order))
	}
	return responses, nil
}

// FindStalled lists orders resting in one of statuses since before cutoff.
func (s *Service) FindStalled(ctx context.Context, statuses []domain.OrderStatus, cutoff time.Time, limit int) ([]string, error) {
	return s.repo.ListStalled(ctx, statuses, cutoff, limit)
}

// apply runs load, mutate, dispatch and commit under the per-order lock. A
// version conflict restarts the whole cycle from a fresh load.
func (s *Service) apply(ctx context.Context, orderID, command string, opts []CommandOption, mutate mutation) error {
	var o commandOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.inbound != nil {
		o.inbound.OrderID = orderID
	}

	ctx, span := s.tracer.Start(ctx, "orders."+command, trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	unlock, err := s.locker.Lock(ctx, orderID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: lock order %s: %w", ErrTransientFailure, orderID, err)
	}
	defer unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryBackoff
	b.MaxInterval = 20 * s.cfg.RetryBackoff

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := s.applyOnce(ctx, orderID, command, o, mutate)
		if errors.Is(err, order_repo.ErrConcurrencyConflict) {
			s.logger.Debug("Concurrency conflict, reloading order",
				zap.String("order_id", orderID), zap.String("command", command), zap.Int("attempt", attempt))
			return struct{}{}, err
		}
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.cfg.ConflictRetries))

	if err == nil {
		return nil
	}
	span.SetAttributes(attribute.Int("orders.attempts", attempt))
	if errors.Is(err, order_repo.ErrConcurrencyConflict) {
		span.SetStatus(codes.Error, "conflict retries exhausted")
		s.logger.Warn("Giving up after repeated concurrency conflicts",
			zap.String("order_id", orderID), zap.String("command", command), zap.Int("attempt", attempt))
		return fmt.Errorf("%w: %s on order %s: %w", ErrTransientFailure, command, orderID, err)
	}
	if !errors.Is(err, domain.ErrInvalidTransition) && !errors.Is(err, ErrDuplicateEvent) {
		span.RecordError(err)
	}
	return err
}

func (s *Service) applyOnce(ctx context.Context, orderID, command string, o commandOptions, mutate mutation) error {
	snap, err := s.repo.Load(ctx, orderID)
	if err != nil {
		if errors.Is(err, order_repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return fmt.Errorf("load order %s: %w", orderID, err)
	}

	if o.inbound != nil {
		processed, err := s.repo.HasProcessed(ctx, o.inbound.ID)
		if err != nil {
			return err
		}
		if processed {
			return ErrDuplicateEvent
		}
	}

	order, err := domain.Restore(snap)
	if err != nil {
		return fmt.Errorf("restore order %s: %w", orderID, err)
	}

	now := s.now()
	event, err := mutate(order, now)
	if err != nil {
		s.logger.Info("Command rejected by order state",
			zap.String("order_id", orderID),
			zap.String("command", command),
			zap.String("status", string(order.Status())),
			zap.Error(err))
		return fmt.Errorf("%s: %w", command, err)
	}
	if event == nil {
		s.logger.Info("Order already past the state this command leads to, nothing to do",
			zap.String("order_id", orderID),
			zap.String("command", command),
			zap.String("status", string(order.Status())))
		return nil
	}

	batch := &dispatcher.Batch{}
	if _, err := s.dispatcher.Publish(ctx, batch, event); err != nil {
		return fmt.Errorf("dispatch %s: %w", event.EventName(), err)
	}

	version, err := s.repo.Commit(ctx, order_repo.Change{
		Order:            order.Snapshot(),
		PersistedHistory: len(snap.History),
		Outbox:           batch.Envelopes(),
		Inbox:            o.inbound,
		At:               now,
	})
	if err != nil {
		return err
	}

	s.logger.Info("Order status changed",
		zap.String("order_id", orderID),
		zap.String("command", command),
		zap.String("from", string(snap.Status)),
		zap.String("to", string(order.Status())),
		zap.Int64("version", version),
		zap.Int("integration_events", batch.Len()))
	return nil
}
