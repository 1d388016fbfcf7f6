// Package codec serializes transport messages for brokers that carry opaque
// byte payloads.
//
// Formats:
//   - JSON (default): human-readable, the outbox wire contract
//   - MessagePack: compact binary
//   - Proto: protobuf well-known-type encoding, no code generation required
package codec

import (
	"errors"

	"github.com/rbaliyan/eventflow/transport/message"
)

// Codec errors.
var (
	ErrEncodeFailure = errors.New("failed to encode message")
	ErrDecodeFailure = errors.New("failed to decode message")
)

// Message is the transport message type.
type Message = message.Message

// Codec converts messages to and from their broker wire form.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode serializes a message. Returns an error wrapping
	// ErrEncodeFailure on failure.
	Encode(msg Message) ([]byte, error)

	// Decode deserializes a message. The payload inside the returned
	// message is still the encoded event envelope; handlers decode it
	// themselves. Returns an error wrapping ErrDecodeFailure on failure.
	Decode(data []byte) (Message, error)

	// ContentType returns the MIME type ("application/json", ...).
	ContentType() string

	// Name returns a short identifier ("json", "msgpack", "proto").
	Name() string
}

// Default returns the JSON codec.
func Default() Codec {
	return JSON{}
}
