package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const defaultQueueSize = 256

// Bus dispatches domain events to registered handlers. Synchronous
// publication runs handlers inline; asynchronous publication enqueues
// the event onto a background worker so callers (e.g. webhook handlers)
// are never blocked by slow subscribers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *zap.Logger

	queue    chan Event
	stopMu   sync.RWMutex
	stopping bool
	stopped  chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// NewBus creates a new event bus and starts its async dispatch worker.
func NewBus(logger *zap.Logger) *Bus {
	b := &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger,
		queue:    make(chan Event, defaultQueueSize),
		stopped:  make(chan struct{}),
	}

	b.wg.Add(1)
	go b.dispatchLoop()

	return b
}

// Subscribe registers a handler for its declared event type.
func (b *Bus) Subscribe(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	eventType := handler.EventType()
	b.handlers[eventType] = append(b.handlers[eventType], handler)

	b.logger.Debug("event handler subscribed",
		zap.String("event_type", eventType))
}

// Publish dispatches the event to all subscribed handlers synchronously.
// Handler errors are logged and do not interrupt remaining handlers.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := b.handlers[event.EventType()]
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h.Handle(ctx, event); err != nil {
			b.logger.Error("event handler failed",
				zap.String("event_type", event.EventType()),
				zap.String("event_id", event.EventID().String()),
				zap.Error(err))
		}
	}
}

// PublishAsync enqueues the event for background dispatch. If the queue
// is full or the bus is stopped the event is dropped with a warning;
// async events carry refresh signals, not state, so a dropped event is
// recovered by the next authoritative sync.
func (b *Bus) PublishAsync(event Event) {
	// The queue channel is never closed; the stopping flag is what
	// keeps this send from racing shutdown.
	b.stopMu.RLock()
	defer b.stopMu.RUnlock()

	if b.stopping {
		b.logger.Warn("event dropped, bus stopped",
			zap.String("event_type", event.EventType()))
		return
	}

	select {
	case b.queue <- event:
	default:
		b.logger.Warn("event dropped, queue full",
			zap.String("event_type", event.EventType()))
	}
}

// Stop drains the async queue and waits for in-flight handlers.
func (b *Bus) Stop() {
	b.once.Do(func() {
		b.stopMu.Lock()
		b.stopping = true
		b.stopMu.Unlock()
		close(b.stopped)
	})
	b.wg.Wait()
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()

	for {
		select {
		case event := <-b.queue:
			b.Publish(context.Background(), event)
		case <-b.stopped:
			// Flush whatever was enqueued before the stop.
			for {
				select {
				case event := <-b.queue:
					b.Publish(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}
