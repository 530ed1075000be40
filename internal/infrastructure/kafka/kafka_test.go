package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEnsureTopicsRequiresBrokers(t *testing.T) {
	err := EnsureTopics(context.Background(), nil, []string{"t"}, 1, zap.NewNop())
	assert.Error(t, err)
}

func TestNewConsumerDefaultsRetryIntervals(t *testing.T) {
	c := NewConsumer(ConsumerConfig{Brokers: []string{"localhost:9092"}, Topics: []string{"a", "b"}, GroupID: "ordering"}, zap.NewNop())
	reader, ok := c.reader.(*kafkago.Reader)
	require.True(t, ok)
	defer reader.Close()
	assert.Equal(t, 500*time.Millisecond, c.cfg.RetryInterval)
	assert.Equal(t, 30*time.Second, c.cfg.RetryMaxInterval)
	assert.Equal(t, []string{"a", "b"}, reader.Config().GroupTopics)
}

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafkago.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		msg := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafkago.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafkago.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) offsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func runConsumer(t *testing.T, reader *fakeReader, handler MessageHandler) (context.CancelFunc, <-chan error) {
	t.Helper()
	c := newConsumer(reader, ConsumerConfig{RetryInterval: time.Millisecond, RetryMaxInterval: 5 * time.Millisecond}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, handler) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestConsumerCommitsAfterHandlerRecovers(t *testing.T) {
	reader := &fakeReader{pending: []kafkago.Message{{Offset: 1, Value: []byte("a")}, {Offset: 2, Value: []byte("b")}}}
	var mu sync.Mutex
	failures := 3
	var handled []string
	runConsumer(t, reader, func(_ context.Context, message []byte) error {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return errors.New("database unavailable")
		}
		handled = append(handled, string(message))
		return nil
	})

	require.Eventually(t, func() bool { return len(reader.offsets()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1, 2}, reader.offsets())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, handled)
}

func TestConsumerLeavesFailingMessageUncommitted(t *testing.T) {
	reader := &fakeReader{pending: []kafkago.Message{{Offset: 7, Value: []byte("a")}, {Offset: 8, Value: []byte("b")}}}
	var mu sync.Mutex
	calls := 0
	cancel, done := runConsumer(t, reader, func(_ context.Context, message []byte) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("database unavailable")
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 10
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Empty(t, reader.offsets())
	reader.mu.Lock()
	defer reader.mu.Unlock()
	assert.Len(t, reader.pending, 1, "the next message was never fetched")
}

func TestProducerUsesKeyHashBalancer(t *testing.T) {
	p := NewProducer([]string{"localhost:9092"}, zap.NewNop())
	defer p.Close()
	require.NotNil(t, p.writer.Balancer)
	_, ok := p.writer.Balancer.(*kafkago.Hash)
	assert.True(t, ok)
}
