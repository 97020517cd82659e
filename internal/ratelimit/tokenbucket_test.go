package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNilJarNeverWaits(t *testing.T) {
	jar := NewTokenJar(0, 0)
	if jar != nil {
		t.Fatalf("zero rate should disable pacing")
	}
	if err := jar.Wait(context.Background()); err != nil {
		t.Fatalf("nil jar Wait() = %v", err)
	}
	jar.Stop()
}

func TestBurstThenWait(t *testing.T) {
	jar := NewTokenJar(50, 3)
	defer jar.Stop()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := jar.Wait(ctx); err != nil {
			t.Fatalf("burst token %d: %v", i, err)
		}
	}

	start := time.Now()
	if err := jar.Wait(ctx); err != nil {
		t.Fatalf("Wait after burst: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("refill took too long: %s", time.Since(start))
	}
}

func TestWaitHonoursContext(t *testing.T) {
	jar := NewTokenJar(0.01, 1)
	defer jar.Stop()
	_ = jar.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := jar.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() = %v, want deadline exceeded", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	jar := NewTokenJar(1, 1)
	jar.Stop()
	jar.Stop()
	_ = jar.Wait(context.Background()) // first token still in the jar
	if err := jar.Wait(context.Background()); err == nil {
		t.Fatalf("Wait on stopped empty jar should fail")
	}
}
