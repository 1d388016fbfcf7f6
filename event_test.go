package eventflow

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestEventValidate(t *testing.T) {
	t.Run("valid event passes", func(t *testing.T) {
		ev := &Event{ID: "ev-1", Type: "device.created"}
		if err := ev.Validate(); err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
	})

	t.Run("nil event is invalid", func(t *testing.T) {
		var ev *Event
		if err := ev.Validate(); !errors.Is(err, ErrInvalidEvent) {
			t.Errorf("expected ErrInvalidEvent, got %v", err)
		}
	})

	t.Run("empty type is invalid", func(t *testing.T) {
		ev := &Event{ID: "ev-1"}
		if err := ev.Validate(); !errors.Is(err, ErrInvalidEvent) {
			t.Errorf("expected ErrInvalidEvent, got %v", err)
		}
	})

	t.Run("missing id is allowed", func(t *testing.T) {
		ev := &Event{Type: "device.created"}
		if err := ev.Validate(); err != nil {
			t.Errorf("expected no error for id-less event, got %v", err)
		}
	})
}

func TestDomain(t *testing.T) {
	cases := []struct {
		eventType string
		want      string
	}{
		{"device.created", "device"},
		{"billing.payment.failed", "billing"},
		{"plain", "plain"},
		{".leading", ".leading"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := Domain(tc.eventType); got != tc.want {
			t.Errorf("Domain(%q) = %q, want %q", tc.eventType, got, tc.want)
		}
	}
}

func TestEventEncodeDecode(t *testing.T) {
	original := &Event{
		ID:            "ev-42",
		Type:          "device.status.changed",
		AggregateType: "device",
		AggregateID:   "d-1",
		Payload:       json.RawMessage(`{"status":"online"}`),
		Timestamp:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Metadata:      map[string]string{"x-source": "device-service"},
	}

	data, err := original.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decoded.ID != original.ID {
		t.Errorf("ID mismatch: got %s, want %s", decoded.ID, original.ID)
	}
	if decoded.Type != original.Type {
		t.Errorf("Type mismatch: got %s, want %s", decoded.Type, original.Type)
	}
	if decoded.AggregateID != original.AggregateID {
		t.Errorf("AggregateID mismatch: got %s, want %s", decoded.AggregateID, original.AggregateID)
	}
	if string(decoded.Payload) != string(original.Payload) {
		t.Errorf("Payload mismatch: got %s, want %s", decoded.Payload, original.Payload)
	}
	if !decoded.Timestamp.Equal(original.Timestamp) {
		t.Errorf("Timestamp mismatch: got %v, want %v", decoded.Timestamp, original.Timestamp)
	}
	if decoded.Metadata["x-source"] != "device-service" {
		t.Errorf("Metadata mismatch: got %v", decoded.Metadata)
	}
}

func TestDecodeInvalid(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}
