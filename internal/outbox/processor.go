package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"ordering/internal/repository/outbox_repo"
)

// ErrPublication wraps every transport failure reported by a Producer.
var ErrPublication = errors.New("integration event publication failed")

// Producer transmits one message, keyed so a partitioned transport keeps all
// messages of an order on one partition.
type Producer interface {
	Produce(ctx context.Context, topic string, key, message []byte) error
}

type Config struct {
	Owner        string
	Topic        string
	PollInterval time.Duration
	PollTimeout  time.Duration
	BatchSize    int
	Lease        time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

type Stats struct {
	Claimed   int
	Published int
	Retried   int
	Failed    int
	HeldBack  int
}

type Processor struct {
	repo     outbox_repo.OutboxRepository
	producer Producer
	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func NewProcessor(repo outbox_repo.OutboxRepository, producer Producer, cfg Config, logger *zap.Logger) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.RetryBackoff {
		cfg.MaxBackoff = cfg.RetryBackoff
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	return &Processor{
		repo:     repo,
		producer: producer,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "OutboxProcessor"), zap.String("owner", cfg.Owner)),
		tracer:   otel.Tracer("ordering/outbox"),
		now:      time.Now,
	}
}

// Run polls until ctx is cancelled. Messages left PENDING by a crash or a
// shutdown are picked up by the next poll of any processor once their lease
// expires.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("Starting outbox processor...", zap.Duration("poll_interval", p.cfg.PollInterval))
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Outbox processor stopped.")
			return nil
		case <-ticker.C:
			if _, err := p.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("Error processing outbox", zap.Error(err))
			}
		}
	}
}

// ProcessOnce claims one batch and publishes it in sequence order. After a
// failed message the rest of that order's messages in the batch are released
// unattempted so they cannot overtake it.
func (p *Processor) ProcessOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	now := p.now()

	claimCtx, cancel := context.WithTimeout(ctx, p.cfg.PollTimeout)
	msgs, err := p.repo.Claim(claimCtx, p.cfg.Owner, now, p.cfg.Lease, p.cfg.BatchSize)
	cancel()
	if err != nil {
		return stats, fmt.Errorf("claim outbox messages: %w", err)
	}
	stats.Claimed = len(msgs)
	if len(msgs) == 0 {
		p.logger.Debug("No pending outbox messages found.")
		return stats, nil
	}
	p.logger.Debug("Claimed outbox messages", zap.Int("count", len(msgs)))

	blocked := make(map[string]bool)
	var unattempted []string
	for _, msg := range msgs {
		if blocked[msg.OrderID] || ctx.Err() != nil {
			unattempted = append(unattempted, msg.ID)
			stats.HeldBack++
			continue
		}

		pubErr := p.publish(ctx, msg)
		if pubErr == nil {
			if err := p.repo.MarkPublished(ctx, msg.ID, p.cfg.Owner, p.now()); err != nil {
				// Sent but not recorded: another owner will send it again.
				p.logger.Warn("Outbox message sent but not marked published",
					zap.String("message_id", msg.ID), zap.String("order_id", msg.OrderID), zap.Error(err))
				blocked[msg.OrderID] = true
				continue
			}
			stats.Published++
			continue
		}

		blocked[msg.OrderID] = true
		if ctx.Err() != nil {
			unattempted = append(unattempted, msg.ID)
			continue
		}
		p.recordFailure(ctx, msg, pubErr, &stats)
	}

	if len(unattempted) > 0 {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PollTimeout)
		if err := p.repo.Release(releaseCtx, p.cfg.Owner, unattempted); err != nil {
			p.logger.Warn("Failed to release outbox leases; they will expire", zap.Int("count", len(unattempted)), zap.Error(err))
		}
		cancel()
	}

	if stats.Published > 0 || stats.Retried > 0 || stats.Failed > 0 {
		p.logger.Info("Outbox batch processed",
			zap.Int("published", stats.Published),
			zap.Int("retried", stats.Retried),
			zap.Int("failed", stats.Failed),
			zap.Int("held_back", stats.HeldBack))
	}
	return stats, nil
}

func (p *Processor) publish(ctx context.Context, msg outbox_repo.OutboxMessage) error {
	ctx, span := p.tracer.Start(ctx, "outbox.publish", trace.WithAttributes(
		attribute.String("messaging.message.id", msg.ID),
		attribute.String("order.id", msg.OrderID),
		attribute.String("event.type", msg.EventType),
		attribute.Int("outbox.attempts", msg.Attempts),
	))
	defer span.End()

	if err := p.producer.Produce(ctx, p.cfg.Topic, []byte(msg.OrderID), msg.Payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return fmt.Errorf("%w: %v", ErrPublication, err)
	}
	return nil
}

func (p *Processor) recordFailure(ctx context.Context, msg outbox_repo.OutboxMessage, pubErr error, stats *Stats) {
	attempts := msg.Attempts + 1
	fields := []zap.Field{
		zap.String("message_id", msg.ID),
		zap.String("order_id", msg.OrderID),
		zap.String("event_type", msg.EventType),
		zap.Int("attempt", attempts),
		zap.Error(pubErr),
	}

	if attempts >= p.cfg.MaxAttempts {
		if err := p.repo.MarkFailed(ctx, msg.ID, p.cfg.Owner, attempts, pubErr.Error()); err != nil {
			p.logger.Error("Failed to flag outbox message for operator attention", append(fields, zap.NamedError("mark_error", err))...)
			return
		}
		stats.Failed++
		p.logger.Error("Outbox message exceeded retry ceiling, needs operator attention", fields...)
		return
	}

	next := p.now().Add(RetryBackoff(attempts, p.cfg.RetryBackoff, p.cfg.MaxBackoff))
	if err := p.repo.MarkRetry(ctx, msg.ID, p.cfg.Owner, attempts, next, pubErr.Error()); err != nil {
		p.logger.Error("Failed to schedule outbox retry", append(fields, zap.NamedError("mark_error", err))...)
		return
	}
	stats.Retried++
	p.logger.Warn("Outbox message publication failed, will retry", append(fields, zap.Time("next_attempt_at", next))...)
}

// RetryBackoff doubles base per attempt, starting at base for attempt 1,
// capped at maxDelay.
func RetryBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay || delay <= 0 {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
