package eventflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rbaliyan/eventflow/transport"
)

// HandlerFunc processes a single decoded event. Returning nil acknowledges
// the message; returning an error negatively acknowledges it, which on most
// transports triggers redelivery and eventually dead-lettering.
type HandlerFunc func(ctx context.Context, ev *Event) error

// ErrHandlerRegistered is returned when two handlers are registered for the
// same event type. Fan-out belongs in the broker (multiple groups), not in
// the registry.
var ErrHandlerRegistered = errors.New("handler already registered")

// Registry maps event types to handlers and binds them to a transport.
//
// Register all handlers first, then call Bind once. Registration after
// Bind is not picked up by existing subscriptions.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register associates a handler with an event type. Exactly one handler
// per type; a second registration returns ErrHandlerRegistered.
func (r *Registry) Register(eventType string, h HandlerFunc) error {
	if eventType == "" || h == nil {
		return fmt.Errorf("%w: empty event type or nil handler", ErrInvalidEvent)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[eventType]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerRegistered, eventType)
	}
	r.handlers[eventType] = h
	return nil
}

// Lookup returns the handler for an event type.
func (r *Registry) Lookup(eventType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[eventType]
	return h, ok
}

// Types returns the registered event types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// Bind subscribes the group to every registered event type and dispatches
// deliveries through the consumer. One subscription per event type;
// members of the same group across replicas compete for messages.
//
// Bind returns after all subscriptions are established. Dispatch runs in
// background goroutines that exit when the transport closes or the context
// is cancelled.
func (r *Registry) Bind(ctx context.Context, t transport.Transport, group string, c *Consumer) error {
	for _, eventType := range r.Types() {
		if err := t.Register(ctx, eventType); err != nil && !errors.Is(err, transport.ErrAlreadyRegistered) {
			return fmt.Errorf("register topic %s: %w", eventType, err)
		}
		sub, err := t.Subscribe(ctx, eventType, group)
		if err != nil {
			return fmt.Errorf("subscribe %s as %s: %w", eventType, group, err)
		}
		go r.dispatch(ctx, sub, c)
	}
	return nil
}

// dispatch decodes deliveries and runs them through the consumer,
// acknowledging with the handler's error.
func (r *Registry) dispatch(ctx context.Context, sub transport.Subscription, c *Consumer) {
	for msg := range sub.Messages() {
		ev, err := Decode(msg.Payload())
		if err != nil {
			// Undecodable payloads can never succeed; nack so the
			// transport's redelivery budget runs out and the message
			// dead-letters for inspection.
			c.logger.Error("decode delivery",
				"message_id", msg.ID(),
				"error", err)
			msg.Ack(fmt.Errorf("%w: %v", ErrPermanent, err))
			continue
		}

		h, ok := r.Lookup(ev.Type)
		if !ok {
			c.logger.Error("no handler for event type",
				"event_type", ev.Type,
				"event_id", ev.ID)
			msg.Ack(fmt.Errorf("%w: no handler for %s", ErrPermanent, ev.Type))
			continue
		}

		msg.Ack(c.HandleEvent(ctx, ev, h))
	}
}
