package transport

import (
	"testing"
	"time"
)

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"device.created", "device.created", true},
		{"device.created", "device.deleted", false},
		{"device.created", "device", false},

		{"device.*", "device.created", true},
		{"device.*", "device.creation.failed", false},
		{"device.*.failed", "device.creation.failed", true},
		{"device.*.failed", "device.failed", false},
		{"device.*.failed", "user.creation.failed", false},
		{"*.created", "device.created", true},
		{"*", "device", true},
		{"*", "device.created", false},

		{"device.#", "device.created", true},
		{"device.#", "device.creation.failed", true},
		{"device.#", "device", false},
		{"#", "device.created", true},
		{"device.*.#", "device.creation.failed.again", true},
	}

	for _, tc := range cases {
		if got := MatchTopic(tc.pattern, tc.topic); got != tc.want {
			t.Errorf("MatchTopic(%q, %q) = %v, want %v", tc.pattern, tc.topic, got, tc.want)
		}
	}
}

func TestValidatePattern(t *testing.T) {
	valid := []string{"device.created", "device.*", "device.*.failed", "device.#", "#", "*"}
	for _, p := range valid {
		if err := ValidatePattern(p); err != nil {
			t.Errorf("ValidatePattern(%q) = %v, want nil", p, err)
		}
	}

	invalid := []string{"", "a..b", ".device", "device.", "device.#.failed", "#.device"}
	for _, p := range invalid {
		if err := ValidatePattern(p); err == nil {
			t.Errorf("ValidatePattern(%q) = nil, want error", p)
		}
	}
}

func TestApplyPublishOptions(t *testing.T) {
	t.Run("defaults to persistent", func(t *testing.T) {
		o := ApplyPublishOptions()
		if !o.Persistent {
			t.Error("expected persistent by default")
		}
		if !o.Timestamp.IsZero() {
			t.Error("expected zero timestamp by default")
		}
	})

	t.Run("options apply", func(t *testing.T) {
		ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
		o := ApplyPublishOptions(
			WithPersistent(false),
			WithTimestamp(ts),
			WithPriority(3),
			WithExpiration(time.Minute),
		)
		if o.Persistent {
			t.Error("persistent not cleared")
		}
		if !o.Timestamp.Equal(ts) {
			t.Errorf("timestamp = %v", o.Timestamp)
		}
		if o.Priority != 3 || o.Expiration != time.Minute {
			t.Errorf("priority=%d expiration=%v", o.Priority, o.Expiration)
		}
	})
}

func TestJitter(t *testing.T) {
	d := time.Second
	for i := 0; i < 100; i++ {
		j := Jitter(d, 0.3)
		if j < 700*time.Millisecond || j > 1300*time.Millisecond {
			t.Fatalf("Jitter out of range: %v", j)
		}
	}
	if Jitter(d, 0) != d {
		t.Error("zero factor should return d unchanged")
	}
	if Jitter(d, 1.5) != d {
		t.Error("factor above 1 should return d unchanged")
	}
}

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	if a == "" || a == b {
		t.Errorf("ids not unique: %q %q", a, b)
	}
}
