// Package dispatcher delivers domain events to in-process handlers inside the
// unit of work that raised them. Handlers stage integration events into a
// Batch; the caller commits the batch together with the aggregate or drops
// both when any handler fails.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"ordering/internal/domain"
	"ordering/internal/integration"
)

// Batch collects the integration events staged during one unit of work.
type Batch struct {
	envelopes []integration.Envelope
}

func (b *Batch) Stage(env integration.Envelope) {
	b.envelopes = append(b.envelopes, env)
}

func (b *Batch) Envelopes() []integration.Envelope {
	out := make([]integration.Envelope, len(b.envelopes))
	copy(out, b.envelopes)
	return out
}

func (b *Batch) Len() int { return len(b.envelopes) }

type Handler func(ctx context.Context, event domain.Event, batch *Batch) error

type HandlerResult struct {
	Handler string
	Staged  int
}

type registration struct {
	name    string
	handler Handler
}

type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]registration
	logger   *zap.Logger
}

func New(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		handlers: make(map[string][]registration),
		logger:   logger,
	}
}

// Register adds a named handler for one event name. Handlers run in
// registration order.
func (d *Dispatcher) Register(eventName, handlerName string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventName] = append(d.handlers[eventName], registration{name: handlerName, handler: h})
}

func (d *Dispatcher) HandlerCount(eventName string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[eventName])
}

// Publish runs every handler registered for the event. The first failure stops
// dispatch and is returned with the results gathered so far; the caller must
// then discard the batch.
func (d *Dispatcher) Publish(ctx context.Context, batch *Batch, event domain.Event) ([]HandlerResult, error) {
	d.mu.RLock()
	regs := d.handlers[event.EventName()]
	d.mu.RUnlock()

	results := make([]HandlerResult, 0, len(regs))
	for _, reg := range regs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		before := batch.Len()
		if err := reg.handler(ctx, event, batch); err != nil {
			d.logger.Warn("Domain event handler failed, aborting unit of work",
				zap.String("event", event.EventName()),
				zap.String("order_id", event.AggregateID()),
				zap.String("handler", reg.name),
				zap.Error(err))
			return results, fmt.Errorf("handler %s for %s: %w", reg.name, event.EventName(), err)
		}
		results = append(results, HandlerResult{Handler: reg.name, Staged: batch.Len() - before})
	}
	d.logger.Debug("Domain event dispatched",
		zap.String("event", event.EventName()),
		zap.String("order_id", event.AggregateID()),
		zap.Int("handlers", len(results)))
	return results, nil
}
