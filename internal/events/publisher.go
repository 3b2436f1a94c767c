// Package events delivers order lifecycle events to in-process subscribers.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/swapmatch/swapmatch/pkg/metrics"
	"github.com/swapmatch/swapmatch/pkg/models"
)

// EventType identifies an order lifecycle transition.
type EventType string

const (
	OrderCreated   EventType = "ORDER_CREATED"
	OrderUpdated   EventType = "ORDER_UPDATED"
	OrderCancelled EventType = "ORDER_CANCELLED"
	OrderExecuted  EventType = "ORDER_EXECUTED"
	OrderExpired   EventType = "ORDER_EXPIRED"
)

// OrderEvent carries the order snapshot at transition time. Events are not
// persisted by the core; durable consumers subscribe like anyone else.
type OrderEvent struct {
	Type      EventType
	Order     *models.Order
	Timestamp time.Time
}

// Subscriber handles one event. A slow or panicking subscriber must never
// affect the caller; the publisher recovers and logs.
type Subscriber func(OrderEvent)

// Publisher fans events out synchronously to all subscribers. The subscriber
// list is effectively append-only at startup.
type Publisher struct {
	logger *zap.Logger
	mu     sync.RWMutex
	subs   []Subscriber
}

// NewPublisher creates an empty publisher.
func NewPublisher(logger *zap.Logger) *Publisher {
	return &Publisher{logger: logger}
}

// Subscribe registers a handler for all subsequent events.
func (p *Publisher) Subscribe(fn Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, fn)
}

// Publish delivers the event to every subscriber. Subscriber failures are
// caught and logged, never propagated.
func (p *Publisher) Publish(event OrderEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	metrics.OrderEvents.WithLabelValues(string(event.Type)).Inc()

	p.mu.RLock()
	subs := append([]Subscriber{}, p.subs...)
	p.mu.RUnlock()

	for _, fn := range subs {
		p.deliver(fn, event)
	}
}

func (p *Publisher) deliver(fn Subscriber, event OrderEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("event subscriber panicked",
				zap.String("type", string(event.Type)),
				zap.Any("recover", r))
		}
	}()
	fn(event)
}

// NewLoggingSubscriber returns a subscriber that writes every event to the
// audit log.
func NewLoggingSubscriber(logger *zap.Logger) Subscriber {
	return func(event OrderEvent) {
		logger.Info("order event",
			zap.String("type", string(event.Type)),
			zap.String("order_id", event.Order.ID.String()),
			zap.String("status", event.Order.Status),
			zap.Time("at", event.Timestamp))
	}
}
