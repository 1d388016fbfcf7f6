package codec

import (
	"encoding/json"
	"errors"
	"maps"

	"github.com/rbaliyan/eventflow/transport/message"
)

// JSON implements Codec with JSON serialization. This is the default codec
// and the format the outbox relay publishes.
type JSON struct{}

type jsonMessage struct {
	ID         string            `json:"id,omitempty"`
	Source     string            `json:"source,omitempty"`
	Payload    []byte            `json:"payload"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	RetryCount int               `json:"retryCount,omitempty"`
}

// Encode serializes a message to JSON.
func (JSON) Encode(msg Message) ([]byte, error) {
	jm := jsonMessage{
		ID:         msg.ID(),
		Source:     msg.Source(),
		Payload:    msg.Payload(),
		RetryCount: msg.RetryCount(),
	}
	if md := msg.Metadata(); md != nil {
		jm.Metadata = maps.Clone(md)
	}

	data, err := json.Marshal(jm)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes a JSON message. The returned message has no
// acknowledgment behavior; transports attach their own.
func (JSON) Decode(data []byte) (Message, error) {
	var jm jsonMessage
	if err := json.Unmarshal(data, &jm); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}
	return message.NewWithAck(jm.ID, jm.Source, jm.Payload, jm.Metadata, jm.RetryCount, nil), nil
}

// ContentType returns "application/json".
func (JSON) ContentType() string { return "application/json" }

// Name returns "json".
func (JSON) Name() string { return "json" }

var _ Codec = JSON{}
