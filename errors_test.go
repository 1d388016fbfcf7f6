package eventflow

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil error", nil, ClassRetryable},
		{"wrapped permanent", fmt.Errorf("decode: %w", ErrPermanent), ClassPermanent},
		{"wrapped retryable", fmt.Errorf("db down: %w", ErrRetryable), ClassRetryable},
		{"handler timeout", fmt.Errorf("%w after 30s", ErrHandlerTimeout), ClassRetryable},
		{"context deadline", context.DeadlineExceeded, ClassRetryable},
		{"net error", &net.DNSError{Err: "no such host", IsTimeout: true}, ClassRetryable},
		{"unknown error defaults retryable", errors.New("something broke"), ClassRetryable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassifyPermanentWins(t *testing.T) {
	// A permanent marker wrapped around a retryable-looking error stays
	// permanent.
	err := fmt.Errorf("%w: %w", ErrPermanent, context.DeadlineExceeded)
	if got := Classify(err); got != ClassPermanent {
		t.Errorf("Classify = %v, want permanent", got)
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(fmt.Errorf("invalid: %w", ErrPermanent)) {
		t.Error("permanent error reported as retryable")
	}
	if !Retryable(errors.New("flaky")) {
		t.Error("unknown error should be retryable")
	}
}

func TestErrorClassString(t *testing.T) {
	if ClassRetryable.String() != "retryable" {
		t.Errorf("got %s", ClassRetryable.String())
	}
	if ClassPermanent.String() != "permanent" {
		t.Errorf("got %s", ClassPermanent.String())
	}
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{7, time.Hour}, // 64m capped
		{100, time.Hour},
		{0, time.Minute},
		{-5, time.Minute},
	}
	for _, tc := range cases {
		got := Backoff(tc.attempt, time.Minute, time.Hour)
		if got != tc.want {
			t.Errorf("Backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestBackoffDefaults(t *testing.T) {
	if got := Backoff(1, 0, 0); got != DefaultBackoffBase {
		t.Errorf("zero base should fall back to default, got %v", got)
	}
	if got := Backoff(50, 0, 0); got != DefaultBackoffCap {
		t.Errorf("zero cap should fall back to default, got %v", got)
	}
}
