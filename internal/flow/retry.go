package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy bounds calls to the chat-completion service.
type RetryPolicy struct {
	// Attempts is the total number of calls, including the first.
	Attempts int
	// Timeout applies to each attempt separately.
	Timeout time.Duration
	// BaseDelay is doubled after every failed attempt.
	BaseDelay time.Duration
}

// DefaultRetryPolicy makes at most 3 attempts of 20s each.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Timeout: 20 * time.Second, BaseDelay: 500 * time.Millisecond}
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.Attempts <= 0 {
		p.Attempts = d.Attempts
	}
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	return p
}

// run calls fn until it succeeds, the attempts are spent, or ctx ends.
// The last attempt's error is returned.
func (p RetryPolicy) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	p = p.normalized()
	delay := p.BaseDelay
	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		err = fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		slog.Warn("RetryPolicy.run: attempt failed", "op", op, "attempt", attempt, "of", p.Attempts, "error", err)
		if attempt == p.Attempts {
			break
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", op, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return err
}
