package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/relay/runtime/bus"
)

func TestBusPublishFanOut(t *testing.T) {
	b := NewBus()
	ctx := context.Background()

	count := 0
	sub := SubscriberFunc(func(ctx context.Context, event Event) error {
		count++
		return nil
	})
	_, err := b.Register(sub)
	require.NoError(t, err)

	msg := bus.NewMessage(bus.KindUserMessage, bus.SenderUser, nil)
	msg.Queue = bus.QueueRouter
	msg.TraceID = "t1"
	require.NoError(t, b.Publish(ctx, NewMessageEnqueuedEvent(msg)))
	require.NoError(t, b.Publish(ctx, NewMessageAckedEvent(msg, "consumer:router")))
	require.Equal(t, 2, count)
}

func TestBusRegisterNil(t *testing.T) {
	b := NewBus()
	_, err := b.Register(nil)
	require.Error(t, err)
}

func TestSubscriptionClose(t *testing.T) {
	b := NewBus()
	ctx := context.Background()

	count := 0
	sub, err := b.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
		count++
		return nil
	}))
	require.NoError(t, err)

	msg := bus.NewMessage(bus.KindUserMessage, bus.SenderUser, nil)
	msg.Queue = bus.QueueRouter
	require.NoError(t, b.Publish(ctx, NewMessageEnqueuedEvent(msg)))
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close(), "close is idempotent")
	require.NoError(t, b.Publish(ctx, NewMessageEnqueuedEvent(bus.NewMessage(bus.KindSystemEvent, bus.SenderSystem, nil))))
	require.Equal(t, 1, count)
}

func TestBusStopsAtFirstError(t *testing.T) {
	b := NewBus()
	ctx := context.Background()

	boom := errors.New("trail write failed")
	_, err := b.Register(SubscriberFunc(func(context.Context, Event) error { return boom }))
	require.NoError(t, err)

	reached := false
	_, err = b.Register(SubscriberFunc(func(context.Context, Event) error {
		reached = true
		return nil
	}))
	require.NoError(t, err)

	msg := bus.NewMessage(bus.KindUserMessage, bus.SenderUser, nil)
	err = b.Publish(ctx, NewMessageEnqueuedEvent(msg))
	require.ErrorIs(t, err, boom)
	require.False(t, reached, "later subscribers are skipped after a failure")
}

func TestBusDeliversInRegistrationOrder(t *testing.T) {
	b := NewBus()
	ctx := context.Background()

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		_, err := b.Register(SubscriberFunc(func(context.Context, Event) error {
			order = append(order, name)
			return nil
		}))
		require.NoError(t, err)
	}

	msg := bus.NewMessage(bus.KindUserMessage, bus.SenderUser, nil)
	require.NoError(t, b.Publish(ctx, NewMessageEnqueuedEvent(msg)))
	require.Equal(t, []string{"first", "second", "third"}, order)
}
