package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()

	t.Run("burst then throttle", func(t *testing.T) {
		l := NewTokenBucket(10, 3)

		for i := 0; i < 3; i++ {
			if !l.Allow(ctx) {
				t.Fatalf("burst slot %d denied", i)
			}
		}
		if l.Allow(ctx) {
			t.Error("allowed past burst capacity")
		}
	})

	t.Run("tokens refill over time", func(t *testing.T) {
		l := NewTokenBucket(100, 1)

		if !l.Allow(ctx) {
			t.Fatal("first token denied")
		}
		if l.Allow(ctx) {
			t.Fatal("bucket not drained")
		}

		time.Sleep(20 * time.Millisecond) // 100 rps refills within 10ms
		if !l.Allow(ctx) {
			t.Error("token not refilled")
		}
	})

	t.Run("Wait blocks until budget", func(t *testing.T) {
		l := NewTokenBucket(50, 1)
		l.Allow(ctx)

		start := time.Now()
		if err := l.Wait(ctx); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
		if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
			t.Errorf("Wait returned too early: %v", elapsed)
		}
	})

	t.Run("Wait honors cancellation", func(t *testing.T) {
		l := NewTokenBucket(0.001, 1)
		l.Allow(ctx)

		cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		if err := l.Wait(cctx); err == nil {
			t.Error("expected context error")
		}
	})

	t.Run("SetLimit takes effect", func(t *testing.T) {
		l := NewTokenBucket(0.001, 1)
		l.Allow(ctx)
		if l.Allow(ctx) {
			t.Fatal("bucket not drained")
		}

		l.SetLimit(1000)
		time.Sleep(10 * time.Millisecond)
		if !l.Allow(ctx) {
			t.Error("raised limit not applied")
		}
	})
}
