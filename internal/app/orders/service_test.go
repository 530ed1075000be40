package orders

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ordering/internal/dispatcher"
	"ordering/internal/domain"
	"ordering/internal/infrastructure/database"
	"ordering/internal/infrastructure/lock"
	"ordering/internal/integration"
	"ordering/internal/outbox"
	"ordering/internal/repository/order_repo"
	ordersql "ordering/internal/repository/order_repo/sqldb"
	"ordering/internal/repository/outbox_repo"
	outboxsql "ordering/internal/repository/outbox_repo/sqldb"
)

var testNow = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type noLocker struct{}

func (noLocker) Lock(context.Context, string) (func(), error) { return func() {}, nil }

type fixture struct {
	svc    *Service
	repo   order_repo.OrderRepository
	outbox outbox_repo.OutboxRepository
	d      *dispatcher.Dispatcher
	clock  time.Time
}

func newFixture(t *testing.T, wrap func(order_repo.OrderRepository) order_repo.OrderRepository, locker lock.Locker) *fixture {
	t.Helper()
	db, err := database.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.MigrateSQLite(db, zap.NewNop()))

	f := &fixture{
		repo:   ordersql.NewOrderRepository(db, database.SQLite, zap.NewNop()),
		outbox: outboxsql.NewOutboxRepository(db, database.SQLite, zap.NewNop()),
		d:      dispatcher.New(zap.NewNop()),
		clock:  testNow,
	}
	if wrap != nil {
		f.repo = wrap(f.repo)
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	outbox.NewTranslator(nil).Register(f.d)

	seq := 0
	f.svc = NewService(f.repo, f.d, locker, Config{ConflictRetries: 3, RetryBackoff: time.Millisecond}, zap.NewNop(),
		WithClock(func() time.Time { return f.clock }),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("order-%d", seq)
		}),
	)
	return f
}

func (f *fixture) tick(d time.Duration) { f.clock = f.clock.Add(d) }

func checkout() *StartOrderRequest {
	return &StartOrderRequest{
		BuyerID: "42",
		Items: []OrderItemRequest{
			{ProductID: "A", ProductName: "Mug", UnitPrice: decimal.RequireFromString("12.50"), Units: 2},
		},
		Address: AddressDTO{Street: "1 Main", City: "Seattle", Country: "US", ZipCode: "98101"},
		Card: CardRequest{
			CardTypeID:     int(domain.CardTypeVisa),
			Number:         "4012888888881881",
			SecurityNumber: "123",
			HolderName:     "Ada Lovelace",
			Expiration:     time.Date(2030, 12, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

func (f *fixture) start(t *testing.T) string {
	t.Helper()
	id, err := f.svc.StartOrder(context.Background(), checkout())
	require.NoError(t, err)
	return id
}

func (f *fixture) version(t *testing.T, orderID string) int64 {
	t.Helper()
	snap, err := f.repo.Load(context.Background(), orderID)
	require.NoError(t, err)
	return snap.Version
}

func (f *fixture) eventTypes(t *testing.T, orderID string) []string {
	t.Helper()
	msgs, err := f.outbox.ListByOrder(context.Background(), orderID)
	require.NoError(t, err)
	types := make([]string, len(msgs))
	for i, m := range msgs {
		types[i] = m.EventType
	}
	return types
}

func TestPaymentRejectionCancelsOrder(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	id := f.start(t)

	f.tick(time.Second)
	require.NoError(t, f.svc.ConfirmValidation(ctx, id))
	f.tick(time.Second)
	require.NoError(t, f.svc.ConfirmStock(ctx, id))
	f.tick(time.Second)
	require.NoError(t, f.svc.RejectPayment(ctx, id, "card declined"))

	order, err := f.svc.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(domain.OrderStatusCancelled), order.Status)
	assert.Equal(t, string(domain.CausePaymentRejected), order.CancellationCause)
	assert.Equal(t, "25", order.Total.String())
	require.Len(t, order.History, 4)
	assert.Contains(t, order.History[3].Description, "card declined")
	assert.Equal(t, int64(4), f.version(t, id))

	assert.Equal(t, []string{
		integration.OrderStartedEvent,
		integration.OrderStatusChangedToAwaitingValidationEvent,
		integration.OrderStockConfirmedEvent,
		integration.OrderCancelledEvent,
	}, f.eventTypes(t, id))
}

func TestStartOrderRejectsInvalidCheckout(t *testing.T) {
	f := newFixture(t, nil, nil)
	req := checkout()
	req.Items = nil

	_, err := f.svc.StartOrder(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidOrder)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)

	orders, err := f.svc.ListOrdersByBuyer(context.Background(), "42")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestInvalidTransitionLeavesOrderUntouched(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	id := f.start(t)

	err := f.svc.ConfirmShipment(ctx, id)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	order, err := f.svc.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(domain.OrderStatusSubmitted), order.Status)
	assert.Len(t, order.History, 1)
	assert.Len(t, f.eventTypes(t, id), 1)
}

func TestRepeatedCommandIsNoOp(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	id := f.start(t)

	require.NoError(t, f.svc.ConfirmValidation(ctx, id))
	require.NoError(t, f.svc.ConfirmStock(ctx, id))
	require.NoError(t, f.svc.ConfirmStock(ctx, id))
	require.NoError(t, f.svc.ConfirmValidation(ctx, id), "order already past awaiting validation")

	order, err := f.svc.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(domain.OrderStatusStockConfirmed), order.Status)
	assert.Len(t, order.History, 3)
	assert.Len(t, f.eventTypes(t, id), 3)
}

func TestCancelledOrderIgnoresLateConfirmations(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	id := f.start(t)

	require.NoError(t, f.svc.CancelOrder(ctx, id, "changed my mind"))
	require.NoError(t, f.svc.CancelOrder(ctx, id, "again"))
	assert.ErrorIs(t, f.svc.ConfirmValidation(ctx, id), domain.ErrInvalidTransition)

	order, err := f.svc.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(domain.CauseRequested), order.CancellationCause)
	assert.Len(t, order.History, 2)
}

func TestUnknownOrder(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := f.svc.GetOrder(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.ErrorIs(t, f.svc.ConfirmStock(context.Background(), "missing"), ErrOrderNotFound)
}

// racingRepo lets a second command slip in between the first command's load
// and its commit.
type racingRepo struct {
	order_repo.OrderRepository
	race func()
}

func (r *racingRepo) Commit(ctx context.Context, change order_repo.Change) (int64, error) {
	if race := r.race; race != nil {
		r.race = nil
		race()
	}
	return r.OrderRepository.Commit(ctx, change)
}

func TestConcurrentConfirmationsApplyOnce(t *testing.T) {
	var racer *racingRepo
	f := newFixture(t, func(repo order_repo.OrderRepository) order_repo.OrderRepository {
		racer = &racingRepo{OrderRepository: repo}
		return racer
	}, noLocker{})
	ctx := context.Background()
	id := f.start(t)
	require.NoError(t, f.svc.ConfirmValidation(ctx, id))

	var inner error
	racer.race = func() { inner = f.svc.ConfirmStock(ctx, id) }
	require.NoError(t, f.svc.ConfirmStock(ctx, id))
	require.NoError(t, inner)

	order, err := f.svc.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(domain.OrderStatusStockConfirmed), order.Status)
	assert.Len(t, order.History, 3)
	assert.Equal(t, int64(3), f.version(t, id))
	assert.Len(t, f.eventTypes(t, id), 3)
}

type conflictingRepo struct {
	order_repo.OrderRepository
	commits int
}

func (r *conflictingRepo) Commit(context.Context, order_repo.Change) (int64, error) {
	r.commits++
	return 0, order_repo.ErrConcurrencyConflict
}

func TestConflictRetriesExhausted(t *testing.T) {
	var conflicts *conflictingRepo
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	id := f.start(t)

	conflicts = &conflictingRepo{OrderRepository: f.repo}
	svc := NewService(conflicts, f.d, lock.NewLocalLocker(), Config{ConflictRetries: 3, RetryBackoff: time.Millisecond}, zap.NewNop())

	err := svc.ConfirmValidation(ctx, id)
	assert.ErrorIs(t, err, ErrTransientFailure)
	assert.Equal(t, 3, conflicts.commits)

	order, err := f.svc.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(domain.OrderStatusSubmitted), order.Status)
}

func TestHandlerFailureCommitsNothing(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	id := f.start(t)

	f.d.Register(domain.EventOrderStatusChangedToAwaitingValidation, "broken", func(context.Context, domain.Event, *dispatcher.Batch) error {
		return errors.New("boom")
	})

	err := f.svc.ConfirmValidation(ctx, id)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTransientFailure)

	order, err := f.svc.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(domain.OrderStatusSubmitted), order.Status)
	assert.Equal(t, []string{integration.OrderStartedEvent}, f.eventTypes(t, id))
}

func TestInboundEventAppliedOnce(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	id := f.start(t)

	require.NoError(t, f.svc.ConfirmValidation(ctx, id, WithEventID("evt-1", integration.BuyerValidatedEvent)))
	err := f.svc.ConfirmValidation(ctx, id, WithEventID("evt-1", integration.BuyerValidatedEvent))
	assert.ErrorIs(t, err, ErrDuplicateEvent)

	processed, err := f.repo.HasProcessed(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestExpireOrder(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	id := f.start(t)
	require.NoError(t, f.svc.ConfirmValidation(ctx, id))

	expired, err := f.svc.ExpireOrder(ctx, id, testNow.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, expired, "order moved after the cutoff")

	f.tick(time.Hour)
	expired, err = f.svc.ExpireOrder(ctx, id, f.clock.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.True(t, expired)

	order, err := f.svc.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(domain.CauseTimeout), order.CancellationCause)
	assert.Equal(t, TimeoutReason, order.History[len(order.History)-1].Description)

	expired, err = f.svc.ExpireOrder(ctx, id, f.clock)
	require.NoError(t, err)
	assert.False(t, expired)
}

func TestConfirmAfterGracePeriod(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	id := f.start(t)

	confirmed, err := f.svc.ConfirmAfterGracePeriod(ctx, id, testNow.Add(-time.Second))
	require.NoError(t, err)
	assert.False(t, confirmed)

	f.tick(2 * time.Minute)
	stalled, err := f.svc.FindStalled(ctx, []domain.OrderStatus{domain.OrderStatusSubmitted}, f.clock.Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, stalled)

	confirmed, err = f.svc.ConfirmAfterGracePeriod(ctx, id, f.clock.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, confirmed)

	order, err := f.svc.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(domain.OrderStatusAwaitingValidation), order.Status)
}
