// Package bus is the in-process publish/subscribe channel for domain
// events. Sibling services (interests, payments, subscriptions) and the
// connection gateway publish here; the notification dispatcher subscribes.
package bus

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Priority orders notification delivery. An empty priority on an event
// means "default by event type".
type Priority string

const (
	PriorityImmediate Priority = "immediate"
	PriorityHigh      Priority = "high"
	PriorityLow       Priority = "low"
)

// Event is a fire-and-forget domain occurrence that may trigger user-facing
// notification delivery. Events are ephemeral values, never persisted.
type Event struct {
	UserID   uuid.UUID
	Type     string
	Metadata map[string]string
	Priority Priority
}

// Well-known event types.
const (
	TypeNewMessage           = "new_message"
	TypeMessageRead          = "message_read"
	TypeInterestReceived     = "interest_received"
	TypeInterestAccepted     = "interest_accepted"
	TypeProfileView          = "profile_view"
	TypeOTP                  = "otp"
	TypePaymentFailed        = "payment_failed"
	TypeSubscriptionExpiring = "subscription_expiring"
	TypeSubscriptionRenewed  = "subscription_renewed"
)

// maxSubscribers caps registrations to catch subscriber leaks.
const maxSubscribers = 64

// ErrTooManySubscribers is returned when the subscriber ceiling is hit.
var ErrTooManySubscribers = errors.New("too many event bus subscribers")

// Handler consumes a published event.
type Handler func(Event)

// Bus fans events out synchronously to all subscribers in registration
// order. A panicking handler is isolated so the remaining handlers still
// run.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	logger   *zap.Logger
}

// New creates an empty bus.
func New(logger *zap.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers a handler. Handlers cannot be removed; subscription
// happens once at startup.
func (b *Bus) Subscribe(h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.handlers) >= maxSubscribers {
		return ErrTooManySubscribers
	}

	b.handlers = append(b.handlers, h)
	return nil
}

// Publish delivers the event to every subscriber and reports whether any
// listener was attached.
func (b *Bus) Publish(event Event) bool {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(h, event)
	}

	return len(handlers) > 0
}

func (b *Bus) invoke(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.Any("panic", r),
				zap.String("event_type", event.Type),
				zap.String("user_id", event.UserID.String()),
			)
		}
	}()

	h(event)
}
