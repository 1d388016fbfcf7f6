package dlq

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/eventflow"
	"github.com/rbaliyan/eventflow/alert"
	"github.com/rbaliyan/eventflow/transport"
	"github.com/rbaliyan/eventflow/transport/channel"
)

// captureRecorder collects permanent failures.
type captureRecorder struct {
	mu       sync.Mutex
	failures []*Failure
}

func (r *captureRecorder) RecordPermanentFailure(ctx context.Context, f *Failure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
	return nil
}

func (r *captureRecorder) list() []*Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Failure(nil), r.failures...)
}

type notified struct {
	recipient string
	n         alert.Notification
}

func newTestEscalator(ch chan notified) *alert.Escalator {
	return alert.NewEscalator(
		map[string]alert.Policy{
			"EVENT_DELIVERY_FAILED": {
				ErrorCode: "EVENT_DELIVERY_FAILED",
				Severity:  alert.SeverityHigh,
				Threshold: 1,
				Window:    10 * time.Minute,
				Channels:  []alert.Channel{alert.ChannelWebsocket},
			},
		},
		func(ctx context.Context, recipientID string, n alert.Notification) error {
			ch <- notified{recipient: recipientID, n: n}
			return nil
		},
		alert.StaticRecipients("admin-1"),
	)
}

// deadLetterMsg builds a message as a transport would after dead-lettering.
func deadLetterMsg(t *testing.T, ev *eventflow.Event, deaths int) transport.Message {
	t.Helper()
	body, err := ev.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	md := map[string]string{
		transport.MetadataDeathCount:    strconv.Itoa(deaths),
		transport.MetadataOriginalTopic: ev.Type,
	}
	return transport.NewMessage(ev.ID, "outbox", body, md, trace.SpanContext{})
}

func TestHandlerEscalation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t.Run("escalates at the threshold", func(t *testing.T) {
		bus := channel.New()
		defer bus.Close(ctx)
		bus.Register(ctx, "device.creation.failed")

		alerts := make(chan notified, 4)
		rec := &captureRecorder{}
		h := NewHandler(bus, newTestEscalator(alerts), "device-service").WithRecorder(rec)
		if err := h.Start(ctx, "device"); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		ev := &eventflow.Event{ID: "ev-1", Type: "device.created", Payload: []byte(`{"deviceId":"d-1"}`)}
		bus.Publish(ctx, "device.creation.failed", deadLetterMsg(t, ev, 3))

		select {
		case got := <-alerts:
			if got.recipient != "admin-1" {
				t.Errorf("recipient = %s", got.recipient)
			}
			if got.n.Data["errorCode"] != "EVENT_DELIVERY_FAILED" {
				t.Errorf("errorCode = %v", got.n.Data["errorCode"])
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no escalation")
		}

		failures := rec.list()
		if len(failures) != 1 {
			t.Fatalf("recorded %d failures, want 1", len(failures))
		}
		f := failures[0]
		if f.Event.ID != "ev-1" || f.DeathCount != 3 || f.OriginalTopic != "device.created" {
			t.Errorf("failure = %+v", f)
		}
		if f.Source != "outbox" {
			t.Errorf("source = %s", f.Source)
		}
	})

	t.Run("escalation stamped at escalation time, not event time", func(t *testing.T) {
		bus := channel.New()
		defer bus.Close(ctx)
		bus.Register(ctx, "device.creation.failed")

		alerts := make(chan notified, 4)
		h := NewHandler(bus, newTestEscalator(alerts), "device-service")
		if err := h.Start(ctx, "device"); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		// An event that rattled through redeliveries for hours must not
		// backdate the aggregate to its creation time, or the hourly
		// cleanup would purge an actively-failing aggregate.
		ev := &eventflow.Event{
			ID:        "ev-old",
			Type:      "device.created",
			Timestamp: time.Now().Add(-6 * time.Hour),
		}
		bus.Publish(ctx, "device.creation.failed", deadLetterMsg(t, ev, 3))

		select {
		case got := <-alerts:
			raw, ok := got.n.Data["lastOccurrence"].(string)
			if !ok {
				t.Fatalf("lastOccurrence has type %T", got.n.Data["lastOccurrence"])
			}
			last, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				t.Fatalf("lastOccurrence = %q: %v", raw, err)
			}
			if time.Since(last) > time.Minute {
				t.Errorf("aggregate backdated to %s", last)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no escalation")
		}
	})

	t.Run("below threshold is not escalated", func(t *testing.T) {
		bus := channel.New()
		defer bus.Close(ctx)
		bus.Register(ctx, "device.creation.failed")

		alerts := make(chan notified, 4)
		rec := &captureRecorder{}
		h := NewHandler(bus, newTestEscalator(alerts), "device-service").WithRecorder(rec)
		h.Start(ctx, "device")

		ev := &eventflow.Event{ID: "ev-1", Type: "device.created"}
		bus.Publish(ctx, "device.creation.failed", deadLetterMsg(t, ev, 2))

		select {
		case got := <-alerts:
			t.Fatalf("unexpected escalation: %v", got.n.Title)
		case <-time.After(100 * time.Millisecond):
		}
		if len(rec.list()) != 0 {
			t.Error("retry-eligible failure recorded as permanent")
		}
	})

	t.Run("falls back to retry count without death metadata", func(t *testing.T) {
		bus := channel.New()
		defer bus.Close(ctx)
		bus.Register(ctx, "device.creation.failed")

		alerts := make(chan notified, 4)
		rec := &captureRecorder{}
		h := NewHandler(bus, newTestEscalator(alerts), "device-service").WithRecorder(rec)
		h.Start(ctx, "device")

		ev := &eventflow.Event{ID: "ev-1", Type: "device.created"}
		body, _ := ev.Encode()
		msg := transport.NewMessageWithAck(ev.ID, "outbox", body, nil, 4, nil)
		bus.Publish(ctx, "device.creation.failed", msg)

		select {
		case <-alerts:
		case <-time.After(2 * time.Second):
			t.Fatal("no escalation from retry count fallback")
		}
		failures := rec.list()
		if len(failures) != 1 || failures[0].DeathCount != 4 {
			t.Fatalf("failures = %+v", failures)
		}
		// Without the original-topic header the event type stands in.
		if failures[0].OriginalTopic != "device.created" {
			t.Errorf("originalTopic = %s", failures[0].OriginalTopic)
		}
	})

	t.Run("undecodable payload is dropped", func(t *testing.T) {
		bus := channel.New()
		defer bus.Close(ctx)
		bus.Register(ctx, "device.creation.failed")

		alerts := make(chan notified, 4)
		rec := &captureRecorder{}
		h := NewHandler(bus, newTestEscalator(alerts), "device-service").WithRecorder(rec)
		h.Start(ctx, "device")

		msg := transport.NewMessage("m-1", "outbox", []byte("not json"),
			map[string]string{transport.MetadataDeathCount: "5"}, trace.SpanContext{})
		bus.Publish(ctx, "device.creation.failed", msg)

		select {
		case got := <-alerts:
			t.Fatalf("unexpected escalation: %v", got.n.Title)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("custom threshold applies", func(t *testing.T) {
		bus := channel.New()
		defer bus.Close(ctx)
		bus.Register(ctx, "billing.payment.failed")

		alerts := make(chan notified, 4)
		rec := &captureRecorder{}
		h := NewHandler(bus, newTestEscalator(alerts), "billing-service").
			WithRecorder(rec).
			WithThreshold(5)
		h.Start(ctx, "billing")

		ev := &eventflow.Event{ID: "ev-1", Type: "billing.payment"}
		bus.Publish(ctx, "billing.payment.failed", deadLetterMsg(t, ev, 3))

		select {
		case <-alerts:
			t.Fatal("escalated below custom threshold")
		case <-time.After(100 * time.Millisecond):
		}
	})
}
