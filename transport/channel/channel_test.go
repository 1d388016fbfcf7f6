package channel

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/eventflow/transport"
)

func newMsg(id string, payload []byte) transport.Message {
	return transport.NewMessage(id, "test", payload, nil, trace.SpanContext{})
}

func recvMsg(t *testing.T, sub transport.Subscription) transport.Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func TestChannelTransport(t *testing.T) {
	ctx := context.Background()

	t.Run("publish and subscribe", func(t *testing.T) {
		bus := New()
		defer bus.Close(ctx)

		if err := bus.Register(ctx, "device.created"); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		sub, err := bus.Subscribe(ctx, "device.created", "g1")
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, "device.created", newMsg("m-1", []byte("hello"))); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		msg := recvMsg(t, sub)
		if msg.ID() != "m-1" || string(msg.Payload()) != "hello" {
			t.Errorf("got id=%s payload=%s", msg.ID(), msg.Payload())
		}
		msg.Ack(nil)
	})

	t.Run("unregistered topic rejected", func(t *testing.T) {
		bus := New()
		defer bus.Close(ctx)

		err := bus.Publish(ctx, "device.created", newMsg("m-1", nil))
		if !errors.Is(err, transport.ErrTopicNotRegistered) {
			t.Errorf("expected ErrTopicNotRegistered, got %v", err)
		}
	})

	t.Run("duplicate registration rejected", func(t *testing.T) {
		bus := New()
		defer bus.Close(ctx)

		bus.Register(ctx, "device.created")
		if err := bus.Register(ctx, "device.created"); !errors.Is(err, transport.ErrAlreadyRegistered) {
			t.Errorf("expected ErrAlreadyRegistered, got %v", err)
		}
	})

	t.Run("group members compete, groups fan out", func(t *testing.T) {
		bus := New()
		defer bus.Close(ctx)
		bus.Register(ctx, "device.created")

		g1a, _ := bus.Subscribe(ctx, "device.created", "g1")
		g1b, _ := bus.Subscribe(ctx, "device.created", "g1")
		g2, _ := bus.Subscribe(ctx, "device.created", "g2")

		const n = 10
		for i := 0; i < n; i++ {
			bus.Publish(ctx, "device.created", newMsg("m-"+strconv.Itoa(i), nil))
		}

		count := func(sub transport.Subscription) int {
			c := 0
			for {
				select {
				case msg := <-sub.Messages():
					msg.Ack(nil)
					c++
				case <-time.After(100 * time.Millisecond):
					return c
				}
			}
		}

		got1 := count(g1a) + count(g1b)
		got2 := count(g2)
		if got1 != n {
			t.Errorf("group g1 received %d messages, want %d", got1, n)
		}
		if got2 != n {
			t.Errorf("group g2 received %d messages, want %d", got2, n)
		}
	})

	t.Run("wildcard pattern matches", func(t *testing.T) {
		bus := New()
		defer bus.Close(ctx)
		bus.Register(ctx, "device.creation.failed")

		sub, err := bus.Subscribe(ctx, "device.*.failed", "dlq")
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}

		bus.Publish(ctx, "device.creation.failed", newMsg("m-1", nil))
		if msg := recvMsg(t, sub); msg.ID() != "m-1" {
			t.Errorf("got %s", msg.ID())
		}
	})

	t.Run("nack redelivers with incremented count", func(t *testing.T) {
		bus := New(WithRedeliveryDelay(5 * time.Millisecond))
		defer bus.Close(ctx)
		bus.Register(ctx, "device.created")

		sub, _ := bus.Subscribe(ctx, "device.created", "g1")
		bus.Publish(ctx, "device.created", newMsg("m-1", nil))

		first := recvMsg(t, sub)
		if first.RetryCount() != 0 {
			t.Errorf("first delivery retry count = %d", first.RetryCount())
		}
		first.Ack(errors.New("boom"))

		second := recvMsg(t, sub)
		if second.ID() != "m-1" {
			t.Errorf("redelivered wrong message: %s", second.ID())
		}
		if second.RetryCount() != 1 {
			t.Errorf("redelivery retry count = %d, want 1", second.RetryCount())
		}
		second.Ack(nil)
	})

	t.Run("exhausted redeliveries dead-letter", func(t *testing.T) {
		bus := New(
			WithMaxRedeliveries(2),
			WithRedeliveryDelay(5*time.Millisecond),
		)
		defer bus.Close(ctx)
		bus.Register(ctx, "device.created")

		sub, _ := bus.Subscribe(ctx, "device.created", "g1")
		dlq, _ := bus.Subscribe(ctx, "device.*.failed", "dlq")

		bus.Publish(ctx, "device.created", newMsg("m-1", []byte("payload")))

		// Reject every delivery until the budget runs out.
		for i := 0; i < 2; i++ {
			msg := recvMsg(t, sub)
			msg.Ack(errors.New("handler failed"))
		}

		dead := recvMsg(t, dlq)
		if dead.ID() != "m-1" {
			t.Errorf("dead-lettered wrong message: %s", dead.ID())
		}
		if got := dead.Metadata()[transport.MetadataDeathCount]; got != "2" {
			t.Errorf("death count = %q, want 2", got)
		}
		if got := dead.Metadata()[transport.MetadataOriginalTopic]; got != "device.created" {
			t.Errorf("original topic = %q", got)
		}
		if string(dead.Payload()) != "payload" {
			t.Errorf("payload lost: %s", dead.Payload())
		}
		dead.Ack(nil)

		// No further redelivery to the original subscription.
		select {
		case msg := <-sub.Messages():
			t.Errorf("unexpected redelivery after dead-lettering: %s", msg.ID())
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("double ack is a no-op", func(t *testing.T) {
		bus := New(WithRedeliveryDelay(5 * time.Millisecond))
		defer bus.Close(ctx)
		bus.Register(ctx, "device.created")

		sub, _ := bus.Subscribe(ctx, "device.created", "g1")
		bus.Publish(ctx, "device.created", newMsg("m-1", nil))

		msg := recvMsg(t, sub)
		msg.Ack(nil)
		msg.Ack(errors.New("late nack"))

		select {
		case redelivered := <-sub.Messages():
			t.Errorf("late nack caused redelivery: %s", redelivered.ID())
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("concurrent publish and subscription close", func(t *testing.T) {
		bus := New()
		defer bus.Close(ctx)
		bus.Register(ctx, "device.created")

		// Publishers hammer the topic while subscriptions churn. A
		// publisher that selected a member must never send after the
		// member's delivery channel closes.
		stop := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
						bus.Publish(ctx, "device.created", newMsg("m-1", nil))
					}
				}
			}()
		}

		for i := 0; i < 500; i++ {
			sub, err := bus.Subscribe(ctx, "device.created", "g1")
			if err != nil {
				t.Fatalf("Subscribe failed: %v", err)
			}
			sub.Close(ctx)
		}

		close(stop)
		wg.Wait()
	})

	t.Run("closed transport rejects operations", func(t *testing.T) {
		bus := New()
		bus.Register(ctx, "device.created")
		sub, _ := bus.Subscribe(ctx, "device.created", "g1")
		bus.Close(ctx)

		if err := bus.Publish(ctx, "device.created", newMsg("m-1", nil)); !errors.Is(err, transport.ErrTransportClosed) {
			t.Errorf("expected ErrTransportClosed, got %v", err)
		}
		if _, err := bus.Subscribe(ctx, "device.created", "g1"); !errors.Is(err, transport.ErrTransportClosed) {
			t.Errorf("expected ErrTransportClosed, got %v", err)
		}

		// The delivery channel must be closed.
		select {
		case _, ok := <-sub.Messages():
			if ok {
				t.Error("expected closed channel")
			}
		case <-time.After(time.Second):
			t.Error("channel not closed")
		}
	})
}
