package storage

import (
	"context"
	"fmt"
	"time"
)

// WithTimeout races fn against a timer. On timeout the in-flight call keeps
// running in the background until its context fires, but the caller gets
// ErrTimeout immediately; a timed-out probe is "unavailable", not an error.
// This is the single bounded-wait combinator used by the Manager's
// availability probe and by listing/status calls.
func WithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type outcome struct {
		val T
		err error
	}

	ch := make(chan outcome, 1)
	go func() {
		v, err := fn(ctx)
		ch <- outcome{v, err}
	}()

	select {
	case o := <-ch:
		return o.val, o.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("after %s: %w", d, ErrTimeout)
	}
}
