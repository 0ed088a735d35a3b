package provider

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimiterReserveFailsFastWhenExhausted(t *testing.T) {
	l := NewLimiter(1, 1)

	if err := l.Reserve(); err != nil {
		t.Fatalf("first Reserve() error: %v", err)
	}

	err := l.Reserve()
	if err == nil {
		t.Fatal("second Reserve() should fail with an empty bucket")
	}
	if KindOf(err) != KindRateLimited {
		t.Errorf("KindOf = %v, want rate_limited", KindOf(err))
	}
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("Reserve() returned %T, want *Error", err)
	}
	if pe.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want a positive retry hint", pe.RetryAfter)
	}
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	l := NewLimiter(1, 1)
	if err := l.Reserve(); err != nil {
		t.Fatalf("Reserve() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx)
	if err == nil {
		t.Fatal("Wait() should fail once the context expires")
	}
	if KindOf(err) != KindTransient {
		t.Errorf("KindOf = %v, want transient", KindOf(err))
	}
}
