package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ordering/internal/infrastructure/membus"
	"ordering/internal/integration"
)

type recorder struct {
	mu  sync.Mutex
	got []integration.Envelope
	err error
}

func (r *recorder) Handle(_ context.Context, env integration.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, env)
	return r.err
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, len(r.got))
	for i, env := range r.got {
		ids[i] = env.ID
	}
	return ids
}

func message(t *testing.T, id, orderID string) []byte {
	t.Helper()
	env, err := integration.NewEnvelope(id, integration.StockRejectedEvent, orderID, time.Now(),
		integration.RejectionPayload{Reason: "gone", RejectedProducts: []string{"A"}})
	require.NoError(t, err)
	raw, err := integration.Marshal(env)
	require.NoError(t, err)
	return raw
}

func TestHandleMessageDecodesEnvelope(t *testing.T) {
	rec := &recorder{}
	c := NewIntegrationEventConsumer(rec, zap.NewNop())

	require.NoError(t, c.HandleMessage(context.Background(), message(t, "e1", "order-1")))
	require.Len(t, rec.got, 1)
	assert.Equal(t, "e1", rec.got[0].ID)
	assert.Equal(t, "order-1", rec.got[0].OrderID)

	var payload integration.RejectionPayload
	require.NoError(t, rec.got[0].Decode(&payload))
	assert.Equal(t, []string{"A"}, payload.RejectedProducts)
}

func TestHandleMessageDropsMalformed(t *testing.T) {
	rec := &recorder{}
	c := NewIntegrationEventConsumer(rec, zap.NewNop())

	assert.NoError(t, c.HandleMessage(context.Background(), []byte("not json")))
	assert.NoError(t, c.HandleMessage(context.Background(), []byte(`{"id":"e1","eventType":"X"}`)), "no order id")
	assert.Empty(t, rec.got)
}

func TestHandleMessageReturnsHandlerError(t *testing.T) {
	rec := &recorder{err: errors.New("db down")}
	c := NewIntegrationEventConsumer(rec, zap.NewNop())

	assert.Error(t, c.HandleMessage(context.Background(), message(t, "e1", "order-1")))
}

func TestConsumerOverInMemoryBus(t *testing.T) {
	rec := &recorder{}
	c := NewIntegrationEventConsumer(rec, zap.NewNop())
	b := membus.New(8, time.Millisecond, zap.NewNop())
	b.Subscribe("ordering.replies", c.HandleMessage)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	require.NoError(t, b.Produce(ctx, "ordering.replies", []byte("order-1"), message(t, "e1", "order-1")))
	require.NoError(t, b.Produce(ctx, "ordering.replies", []byte("order-1"), message(t, "e2", "order-1")))

	require.Eventually(t, func() bool { return len(rec.ids()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"e1", "e2"}, rec.ids())
}
