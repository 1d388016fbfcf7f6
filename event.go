package eventflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event is the envelope that travels from the outbox, through the transport,
// to consumers. It is the unit of idempotent processing: ID is the event
// identifier the idempotency guard deduplicates on.
//
// Type follows the "service.entity.action" convention, e.g. "device.created"
// or "billing.payment.failed". The first segment is the owning domain and is
// used for dead-letter routing ({domain}.*.failed).
//
// Payload is kept as raw JSON so the envelope can be routed and logged
// without knowing the concrete payload type. Handlers unmarshal it
// themselves:
//
//	func handleDeviceCreated(ctx context.Context, ev *eventflow.Event) error {
//	    var dev DeviceCreated
//	    if err := json.Unmarshal(ev.Payload, &dev); err != nil {
//	        return fmt.Errorf("decode device.created: %w", eventflow.ErrPermanent)
//	    }
//	    ...
//	}
type Event struct {
	// ID uniquely identifies this event. Events without an ID cannot be
	// deduplicated; the consumer base processes them directly and logs a
	// warning.
	ID string `json:"id,omitempty"`

	// Type is the routing key, "service.entity.action".
	Type string `json:"eventType"`

	// AggregateType and AggregateID identify the domain entity the event
	// describes (e.g. "device", "d1").
	AggregateType string `json:"aggregateType,omitempty"`
	AggregateID   string `json:"aggregateId,omitempty"`

	// Payload is the JSON document written by the producer. Immutable once
	// written to the outbox.
	Payload json.RawMessage `json:"payload"`

	// Timestamp is when the producer created the event.
	Timestamp time.Time `json:"timestamp,omitempty"`

	// Metadata carries optional transport headers (trace ids, source
	// service, replay markers).
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate checks the minimal envelope contract: a non-empty type. A missing
// ID is allowed (identity-less events are an accepted gap, not an error).
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: empty event type", ErrInvalidEvent)
	}
	return nil
}

// Domain returns the first segment of the event type ("device.created" ->
// "device"). Returns the whole type if it has no dots.
func (e *Event) Domain() string {
	return Domain(e.Type)
}

// Domain returns the owning domain of a routing key: the segment before the
// first dot.
func Domain(eventType string) string {
	if i := strings.IndexByte(eventType, '.'); i > 0 {
		return eventType[:i]
	}
	return eventType
}

// Encode marshals the event envelope to JSON for publishing.
func (e *Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.Type, err)
	}
	return data, nil
}

// Decode unmarshals an event envelope from its wire form.
func Decode(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev, nil
}
