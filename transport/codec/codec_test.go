package codec

import (
	"encoding/json"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/eventflow/transport/message"
)

func sampleMessage() Message {
	return message.NewWithAck(
		"msg-123",
		"outbox",
		[]byte(`{"deviceId":"d-1"}`),
		map[string]string{"x-source": "device-service"},
		2,
		nil,
	)
}

func assertRoundTrip(t *testing.T, c Codec) {
	t.Helper()
	original := sampleMessage()

	data, err := c.Encode(original)
	if err != nil {
		t.Fatalf("%s encode failed: %v", c.Name(), err)
	}
	decoded, err := c.Decode(data)
	if err != nil {
		t.Fatalf("%s decode failed: %v", c.Name(), err)
	}

	if decoded.ID() != original.ID() {
		t.Errorf("ID: got %s, want %s", decoded.ID(), original.ID())
	}
	if decoded.Source() != original.Source() {
		t.Errorf("Source: got %s, want %s", decoded.Source(), original.Source())
	}
	if string(decoded.Payload()) != string(original.Payload()) {
		t.Errorf("Payload: got %s, want %s", decoded.Payload(), original.Payload())
	}
	if decoded.Metadata()["x-source"] != "device-service" {
		t.Errorf("Metadata: got %v", decoded.Metadata())
	}
	if decoded.RetryCount() != 2 {
		t.Errorf("RetryCount: got %d, want 2", decoded.RetryCount())
	}
}

func TestJSONCodec(t *testing.T) {
	c := Default()
	if c.Name() != "json" || c.ContentType() != "application/json" {
		t.Errorf("default codec = %s (%s)", c.Name(), c.ContentType())
	}

	assertRoundTrip(t, c)

	t.Run("wire form is a JSON object", func(t *testing.T) {
		data, err := c.Encode(sampleMessage())
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("wire form is not JSON: %v", err)
		}
		if m["id"] != "msg-123" {
			t.Errorf("id = %v", m["id"])
		}
	})

	t.Run("invalid input wraps ErrDecodeFailure", func(t *testing.T) {
		if _, err := c.Decode([]byte("not json")); !errors.Is(err, ErrDecodeFailure) {
			t.Errorf("expected ErrDecodeFailure, got %v", err)
		}
	})
}

func TestMsgPackCodec(t *testing.T) {
	assertRoundTrip(t, MsgPack{})

	if _, err := (MsgPack{}).Decode([]byte{0xc1}); !errors.Is(err, ErrDecodeFailure) {
		t.Errorf("expected ErrDecodeFailure, got %v", err)
	}
}

func TestProtoCodec(t *testing.T) {
	assertRoundTrip(t, Proto{})

	t.Run("empty metadata survives", func(t *testing.T) {
		msg := message.New("m-1", "src", []byte("x"), nil, trace.SpanContext{})
		data, err := (Proto{}).Encode(msg)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		decoded, err := (Proto{}).Decode(data)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if decoded.ID() != "m-1" || string(decoded.Payload()) != "x" {
			t.Errorf("got id=%s payload=%s", decoded.ID(), decoded.Payload())
		}
	})
}
