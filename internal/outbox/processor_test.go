package outbox

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ordering/internal/infrastructure/database"
	"ordering/internal/repository/outbox_repo"
	"ordering/internal/repository/outbox_repo/sqldb"
)

var testNow = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type sent struct {
	topic, key, payload string
}

type fakeProducer struct {
	mu   sync.Mutex
	sent []sent
	fail map[string]error
}

func (f *fakeProducer) Produce(_ context.Context, topic string, key, message []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[string(message)]; err != nil {
		return err
	}
	f.sent = append(f.sent, sent{topic: topic, key: string(key), payload: string(message)})
	return nil
}

func (f *fakeProducer) payloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.payload
	}
	return out
}

type harness struct {
	db        *sql.DB
	repo      outbox_repo.OutboxRepository
	producer  *fakeProducer
	processor *Processor
	clock     time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	db, err := database.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.MigrateSQLite(db, zap.NewNop()))

	h := &harness{
		db:       db,
		repo:     sqldb.NewOutboxRepository(db, database.SQLite, zap.NewNop()),
		producer: &fakeProducer{fail: map[string]error{}},
		clock:    testNow,
	}
	cfg.Owner = "test"
	cfg.Topic = "ordering.events"
	h.processor = NewProcessor(h.repo, h.producer, cfg, zap.NewNop())
	h.processor.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) seed(t *testing.T, id, orderID string) {
	t.Helper()
	_, err := h.db.Exec(`INSERT INTO outbox_messages (id, order_id, event_type, payload, status, attempts, next_attempt_at, created_at)
		VALUES (?, ?, 'OrderPaidIntegrationEvent', ?, 'PENDING', 0, ?, ?)`,
		id, orderID, []byte(id), database.Millis(testNow), database.Millis(testNow))
	require.NoError(t, err)
}

func TestProcessOncePublishesInOrderKeyedByOrder(t *testing.T) {
	h := newHarness(t, Config{})
	h.seed(t, "a1", "order-a")
	h.seed(t, "b1", "order-b")
	h.seed(t, "a2", "order-a")

	stats, err := h.processor.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Claimed: 3, Published: 3}, stats)
	assert.Equal(t, []string{"a1", "b1", "a2"}, h.producer.payloads())
	assert.Equal(t, "order-a", h.producer.sent[0].key)
	assert.Equal(t, "ordering.events", h.producer.sent[0].topic)

	stats, err = h.processor.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats, "published messages are never sent twice")
}

func TestProcessOnceHoldsBackOrderAfterFailure(t *testing.T) {
	h := newHarness(t, Config{RetryBackoff: time.Second, MaxBackoff: time.Minute, MaxAttempts: 5})
	h.seed(t, "a1", "order-a")
	h.seed(t, "a2", "order-a")
	h.seed(t, "b1", "order-b")
	h.producer.fail["a1"] = errors.New("broker unavailable")

	stats, err := h.processor.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Claimed: 3, Published: 1, Retried: 1, HeldBack: 1}, stats)
	assert.Equal(t, []string{"b1"}, h.producer.payloads())

	msgs, err := h.repo.ListByOrder(context.Background(), "order-a")
	require.NoError(t, err)
	assert.Equal(t, 1, msgs[0].Attempts)
	assert.Contains(t, msgs[0].LastError, "broker unavailable")
	assert.Equal(t, testNow.Add(time.Second), msgs[0].NextAttemptAt)
	assert.Empty(t, msgs[1].LeaseOwner)

	h.clock = testNow.Add(500 * time.Millisecond)
	stats, err = h.processor.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Claimed, "order-a waits for its head message to back off")

	delete(h.producer.fail, "a1")
	h.clock = testNow.Add(2 * time.Second)
	stats, err = h.processor.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Published)
	assert.Equal(t, []string{"b1", "a1", "a2"}, h.producer.payloads())
}

func TestProcessOnceFlagsMessagePastRetryCeiling(t *testing.T) {
	h := newHarness(t, Config{RetryBackoff: time.Second, MaxBackoff: time.Second, MaxAttempts: 2})
	h.seed(t, "a1", "order-a")
	h.producer.fail["a1"] = errors.New("rejected")

	stats, err := h.processor.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retried)

	h.clock = testNow.Add(time.Minute)
	stats, err = h.processor.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	failed, err := h.repo.ListFailed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].Attempts)

	h.clock = testNow.Add(time.Hour)
	stats, err = h.processor.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Claimed, "failed messages are kept, not retried or dropped")

	require.NoError(t, h.repo.Requeue(context.Background(), "a1", h.clock))
	delete(h.producer.fail, "a1")
	stats, err = h.processor.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Published)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, Config{PollInterval: 10 * time.Millisecond})
	h.seed(t, "a1", "order-a")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.processor.Run(ctx) }()

	require.Eventually(t, func() bool { return len(h.producer.payloads()) == 1 }, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestRetryBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{10, time.Minute},
		{200, time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RetryBackoff(tt.attempt, time.Second, time.Minute), "attempt %d", tt.attempt)
	}
}
