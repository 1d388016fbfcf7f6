// Package message defines the message type carried by transports.
//
// It is a separate package so that transport implementations and codecs can
// share the type without importing each other.
package message

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// Message is a single delivery from the transport.
//
// Payload is the encoded event envelope; decoding is the consumer's job.
// RetryCount is the broker-tracked redelivery count (the "death" count for
// dead-lettered messages): 0 for a first delivery, incremented every time
// the message is redelivered after a negative acknowledgment.
//
// Ack must be called exactly once per delivery. Passing nil acknowledges the
// message; passing an error asks the transport to redeliver or dead-letter
// it, depending on the error and the transport's policy.
type Message interface {
	// ID returns the event identifier carried by the message. May be
	// empty for identity-less events.
	ID() string

	// Source identifies the publisher ("outbox", "dlq-replay", a service
	// name).
	Source() string

	// Payload returns the encoded event envelope.
	Payload() []byte

	// Metadata returns transport headers. May be nil.
	Metadata() map[string]string

	// RetryCount returns how many times this message has been redelivered.
	RetryCount() int

	// Context returns a context carrying the producer's trace span, if
	// one was propagated.
	Context() context.Context

	// Ack finishes the delivery: nil for success, an error to trigger
	// redelivery or dead-lettering.
	Ack(err error) error
}

type msg struct {
	id         string
	source     string
	payload    []byte
	metadata   map[string]string
	span       trace.SpanContext
	retryCount int
	ackFn      func(error) error
}

func (m *msg) ID() string                  { return m.id }
func (m *msg) Source() string              { return m.source }
func (m *msg) Payload() []byte             { return m.payload }
func (m *msg) Metadata() map[string]string { return m.metadata }
func (m *msg) RetryCount() int             { return m.retryCount }

func (m *msg) Context() context.Context {
	return trace.ContextWithRemoteSpanContext(context.Background(), m.span)
}

func (m *msg) Ack(err error) error {
	if m.ackFn != nil {
		return m.ackFn(err)
	}
	return nil
}

// New creates a message without acknowledgment behavior (Ack is a no-op).
func New(id, source string, payload []byte, metadata map[string]string, span trace.SpanContext) Message {
	return &msg{
		id:       id,
		source:   source,
		payload:  payload,
		metadata: metadata,
		span:     span,
	}
}

// NewWithAck creates a message with a redelivery count and a custom
// acknowledgment function. Transports use this to wire their ack/nack
// semantics into deliveries.
func NewWithAck(id, source string, payload []byte, metadata map[string]string, retryCount int, ackFn func(error) error) Message {
	return &msg{
		id:         id,
		source:     source,
		payload:    payload,
		metadata:   metadata,
		retryCount: retryCount,
		ackFn:      ackFn,
	}
}

var _ Message = (*msg)(nil)
