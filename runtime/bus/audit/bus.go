// Package audit publishes runtime lifecycle events to registered
// subscribers and defines the trail contract for persisting them. The bus is
// the observation seam of the runtime: stores and consumers stay unaware of
// streaming, persistence, or UI concerns, and subscribers stay unaware of
// queue mechanics.
package audit

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus publishes audit events to registered subscribers in a synchronous
	// fan-out. Publish, Register, and subscription Close are safe for
	// concurrent use.
	//
	// Events are delivered in registration order in the publisher's
	// goroutine, and delivery stops at the first subscriber error so
	// critical subscribers (e.g. durable trails) can halt processing when
	// they fail.
	Bus interface {
		// Publish delivers the event to every currently registered
		// subscriber. The subscriber snapshot is taken before iteration, so
		// registrations during a publish do not receive the in-flight event.
		Publish(ctx context.Context, event Event) error

		// Register adds a subscriber and returns a Subscription that
		// unregisters it when closed. Registering a nil subscriber is an
		// error.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published audit events.
	//
	// HandleEvent should return an error only when the failure must halt
	// the publisher; non-critical failures should be logged and swallowed
	// so other subscribers keep receiving events.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription is an active registration. Close removes the subscriber
	// from the bus; it is idempotent and always returns nil.
	Subscription interface {
		Close() error
	}

	eventBus struct {
		mu sync.RWMutex
		// subs holds active registrations in registration order.
		subs []*subscription
	}

	subscription struct {
		bus  *eventBus
		sub  Subscriber
		once sync.Once
	}
)

// HandleEvent implements Subscriber by invoking the function.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NewBus constructs an in-memory audit bus ready for immediate use.
func NewBus() Bus {
	return &eventBus{}
}

// Publish implements Bus.
func (b *eventBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, len(b.subs))
	for i, s := range b.subs {
		subs[i] = s.sub
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Register implements Bus.
func (b *eventBus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b, sub: sub}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s, nil
}

// Close implements Subscription.
func (s *subscription) Close() error {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		for i, cur := range b.subs {
			if cur == s {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
	})
	return nil
}
