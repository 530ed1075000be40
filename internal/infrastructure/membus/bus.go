// Package membus is an in-process integration bus for single-node runs and
// tests. Delivery is asynchronous and at-least-once per subscriber, like the
// Kafka adapter it stands in for.
package membus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("bus closed")

type Handler func(ctx context.Context, message []byte) error

type delivery struct {
	topic   string
	key     string
	message []byte
}

type Bus struct {
	mu       sync.RWMutex
	subs     map[string][]Handler
	queue    chan delivery
	closed   chan struct{}
	closeOne sync.Once
	retry    time.Duration
	logger   *zap.Logger
}

// New creates a bus whose failed deliveries are retried with exponential
// backoff starting at retry, until they succeed or the bus stops.
func New(buffer int, retry time.Duration, logger *zap.Logger) *Bus {
	if retry <= 0 {
		retry = 100 * time.Millisecond
	}
	return &Bus{
		subs:   make(map[string][]Handler),
		queue:  make(chan delivery, buffer),
		closed: make(chan struct{}),
		retry:  retry,
		logger: logger,
	}
}

func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], h)
}

// Produce enqueues a copy of message; it blocks while the queue is full.
func (b *Bus) Produce(ctx context.Context, topic string, key, message []byte) error {
	d := delivery{topic: topic, key: string(key), message: append([]byte(nil), message...)}
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}
	select {
	case b.queue <- d:
		return nil
	case <-b.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run delivers queued messages to subscribers in enqueue order until ctx is
// cancelled or Close is called. A failing handler holds back the messages
// queued behind it, as a stuck partition does.
func (b *Bus) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	b.logger.Info("In-memory bus started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-b.queue:
			if err := b.deliver(ctx, d); err != nil {
				b.logger.Info("In-memory bus stopped with an undelivered message",
					zap.String("topic", d.topic), zap.String("key", d.key), zap.Error(err))
				return nil
			}
		}
	}
}

func (b *Bus) deliver(ctx context.Context, d delivery) error {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subs[d.topic]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = b.retry
		bo.MaxInterval = 100 * b.retry

		attempt := 0
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			attempt++
			return struct{}{}, h(ctx, d.message)
		},
			backoff.WithBackOff(bo),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				b.logger.Warn("Bus handler failed, retrying",
					zap.String("topic", d.topic),
					zap.String("key", d.key),
					zap.Int("attempt", attempt),
					zap.Duration("retry_in", next),
					zap.Error(err))
			}))
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) Close() error {
	b.closeOne.Do(func() { close(b.closed) })
	return nil
}
