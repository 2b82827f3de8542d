package llm

import (
	"context"
	"testing"
	"time"
)

type countingCompleter struct{ calls int }

func (c *countingCompleter) Complete(context.Context, string) (string, error) {
	c.calls++
	return "{}", nil
}

func TestWithRateLimit_Disabled(t *testing.T) {
	c := &countingCompleter{}
	if got := WithRateLimit(c, 0); got != Completer(c) {
		t.Errorf("WithRateLimit(c, 0) = %T, want the original completer", got)
	}
}

func TestWithRateLimit_WaitHonoursContext(t *testing.T) {
	inner := &countingCompleter{}
	c := WithRateLimit(inner, 1)

	if _, err := c.Complete(context.Background(), "first"); err != nil {
		t.Fatalf("first call: %v", err)
	}

	// The next token is a minute away, so a short deadline must give up.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Complete(ctx, "second")
	if err == nil {
		t.Fatal("expected rate limiter error")
	}
	if inner.calls != 1 {
		t.Errorf("inner calls = %d, want 1", inner.calls)
	}
}

func TestWithRateLimit_AllowsBurstOfOne(t *testing.T) {
	inner := &countingCompleter{}
	c := WithRateLimit(inner, 6000) // one call every 10ms

	for i := 0; i < 3; i++ {
		if _, err := c.Complete(context.Background(), "s"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if inner.calls != 3 {
		t.Errorf("inner calls = %d, want 3", inner.calls)
	}
}
