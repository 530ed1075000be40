package saga

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"ordering/internal/domain"
)

type TimeoutConfig struct {
	SweepInterval time.Duration
	// ConfirmationTimeout is how long an order may wait on another service
	// before it is cancelled.
	ConfirmationTimeout time.Duration
	// GracePeriod is how long a submitted order stays cancellable by the buyer
	// before validation starts. Zero leaves validation to the buyer service.
	GracePeriod time.Duration
	BatchSize   int
}

type SweepStats struct {
	Confirmed int
	Expired   int
}

var awaitingStatuses = []domain.OrderStatus{
	domain.OrderStatusSubmitted,
	domain.OrderStatusAwaitingValidation,
	domain.OrderStatusStockConfirmed,
}

// TimeoutWatcher is the saga's only locally started progress: it ends the
// grace period of submitted orders and cancels orders stuck waiting.
type TimeoutWatcher struct {
	commands Commands
	cfg      TimeoutConfig
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func NewTimeoutWatcher(commands Commands, cfg TimeoutConfig, logger *zap.Logger) *TimeoutWatcher {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &TimeoutWatcher{
		commands: commands,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "TimeoutWatcher")),
		tracer:   otel.Tracer("ordering/saga"),
		now:      time.Now,
	}
}

func (w *TimeoutWatcher) Run(ctx context.Context) error {
	w.logger.Info("Starting saga timeout watcher...",
		zap.Duration("sweep_interval", w.cfg.SweepInterval),
		zap.Duration("confirmation_timeout", w.cfg.ConfirmationTimeout),
		zap.Duration("grace_period", w.cfg.GracePeriod))
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Saga timeout watcher stopped.")
			return nil
		case <-ticker.C:
			if _, err := w.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("Error sweeping stalled orders", zap.Error(err))
			}
		}
	}
}

// SweepOnce ends due grace periods first, so an order confirmed in this sweep
// is not also expired by it.
func (w *TimeoutWatcher) SweepOnce(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	now := w.now()

	if w.cfg.GracePeriod > 0 {
		cutoff := now.Add(-w.cfg.GracePeriod)
		ids, err := w.commands.FindStalled(ctx, []domain.OrderStatus{domain.OrderStatusSubmitted}, cutoff, w.cfg.BatchSize)
		if err != nil {
			return stats, fmt.Errorf("find orders past grace period: %w", err)
		}
		for _, id := range ids {
			confirmed, err := w.commands.ConfirmAfterGracePeriod(ctx, id, cutoff)
			if err != nil {
				w.logger.Warn("Failed to end grace period", zap.String("order_id", id), zap.Error(err))
				continue
			}
			if confirmed {
				stats.Confirmed++
				w.logger.Info("Grace period ended, order awaiting validation", zap.String("order_id", id))
			}
		}
	}

	cutoff := now.Add(-w.cfg.ConfirmationTimeout)
	ids, err := w.commands.FindStalled(ctx, awaitingStatuses, cutoff, w.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("find stalled orders: %w", err)
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if w.expire(ctx, id, cutoff) {
			stats.Expired++
		}
	}
	return stats, nil
}

func (w *TimeoutWatcher) expire(ctx context.Context, id string, cutoff time.Time) bool {
	ctx, span := w.tracer.Start(ctx, "saga.expire", trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()

	expired, err := w.commands.ExpireOrder(ctx, id, cutoff)
	if err != nil {
		span.RecordError(err)
		w.logger.Warn("Failed to cancel stalled order", zap.String("order_id", id), zap.Error(err))
		return false
	}
	if !expired {
		return false
	}
	span.AddEvent("saga.timeout", trace.WithAttributes(
		attribute.String("order.id", id),
		attribute.String("saga.timeout.after", w.cfg.ConfirmationTimeout.String()),
	))
	w.logger.Warn("Saga timed out, order cancelled",
		zap.String("order_id", id),
		zap.Duration("confirmation_timeout", w.cfg.ConfirmationTimeout))
	return true
}
