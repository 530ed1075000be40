package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type MessageHandler func(ctx context.Context, message []byte) error

type ConsumerConfig struct {
	Brokers []string
	Topics  []string
	GroupID string
	// RetryInterval and RetryMaxInterval shape the backoff between redeliveries
	// of a message whose handler failed. The message is retried until it is
	// handled or the consumer stops; its offset is never committed before.
	RetryInterval    time.Duration
	RetryMaxInterval time.Duration
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader messageReader
	cfg    ConsumerConfig
	logger *zap.Logger
}

func NewConsumer(cfg ConsumerConfig, logger *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           cfg.Brokers,
		GroupID:           cfg.GroupID,
		GroupTopics:       cfg.Topics,
		MinBytes:          1,
		MaxBytes:          10e6,
		ReadBatchTimeout:  time.Second,
		HeartbeatInterval: 3 * time.Second,
		CommitInterval:    0,
		StartOffset:       kafka.FirstOffset,
		Logger:            kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Debug(fmt.Sprintf(msg, args...)) }),
		ErrorLogger:       kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Error(fmt.Sprintf(msg, args...)) }),
	})
	return newConsumer(reader, cfg, logger)
}

func newConsumer(reader messageReader, cfg ConsumerConfig, logger *zap.Logger) *Consumer {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	if cfg.RetryMaxInterval < cfg.RetryInterval {
		cfg.RetryMaxInterval = 30 * time.Second
	}
	return &Consumer{reader: reader, cfg: cfg, logger: logger}
}

// Run fetches, handles and commits messages until ctx is cancelled. Offsets
// are committed only after the handler succeeds, so a crash or a shutdown
// during retries redelivers the message.
func (c *Consumer) Run(ctx context.Context, handler MessageHandler) error {
	c.logger.Info("Kafka consumer started",
		zap.Strings("topics", c.cfg.Topics),
		zap.String("group_id", c.cfg.GroupID),
		zap.Strings("brokers", c.cfg.Brokers))
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Error("Failed to close Kafka consumer", zap.Error(err))
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Kafka consumer stopped.")
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			c.logger.Error("Error fetching message from Kafka", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		fields := []zap.Field{
			zap.String("topic", msg.Topic),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
		}
		if err := c.handle(ctx, handler, msg.Value, fields); err != nil {
			c.logger.Info("Kafka consumer stopped before message was handled, leaving offset uncommitted",
				append(fields, zap.Error(err))...)
			return nil
		}

		if err := c.reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
			c.logger.Error("Failed to commit offset for message", append(fields, zap.Error(err))...)
		} else {
			c.logger.Debug("Committed message offset", fields...)
		}
	}
}

// handle retries handler without a ceiling. It only fails once ctx is done.
func (c *Consumer) handle(ctx context.Context, handler MessageHandler, value []byte, fields []zap.Field) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInterval
	b.MaxInterval = c.cfg.RetryMaxInterval

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, handler(ctx, value)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("Kafka message handler failed, retrying",
				append(fields, zap.Int("attempt", attempt), zap.Duration("retry_in", next), zap.Error(err))...)
		}))
	return err
}
