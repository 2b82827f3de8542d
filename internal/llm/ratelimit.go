package llm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// limited spaces calls to the wrapped Completer.
type limited struct {
	next    Completer
	limiter *rate.Limiter
}

// WithRateLimit caps c at perMinute calls per minute. Callers over the limit
// wait, bounded by their context. perMinute <= 0 returns c unchanged.
func WithRateLimit(c Completer, perMinute int) Completer {
	if perMinute <= 0 {
		return c
	}
	return &limited{
		next:    c,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
	}
}

func (l *limited) Complete(ctx context.Context, system string) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for rate limiter: %w", err)
	}
	return l.next.Complete(ctx, system)
}
