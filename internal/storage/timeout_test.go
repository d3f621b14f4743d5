package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithTimeoutFastPath(t *testing.T) {
	got, err := WithTimeout(context.Background(), time.Second, func(context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Errorf("got %d, want 42", got)
	}
}

func TestWithTimeoutPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	_, err := WithTimeout(context.Background(), time.Second, func(context.Context) (int, error) {
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("got %v, want boom", err)
	}
	if IsTimeout(err) {
		t.Error("a real failure must not classify as timeout")
	}
}

func TestWithTimeoutExpires(t *testing.T) {
	start := time.Now()
	_, err := WithTimeout(context.Background(), 30*time.Millisecond, func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return true, ctx.Err()
	})
	elapsed := time.Since(start)

	if !IsTimeout(err) {
		t.Fatalf("got %v, want timeout classification", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("caller blocked %s past the bound", elapsed)
	}
}

func TestWithTimeoutZeroValueOnTimeout(t *testing.T) {
	got, err := WithTimeout(context.Background(), 10*time.Millisecond, func(ctx context.Context) (*ListResult, error) {
		<-ctx.Done()
		return &ListResult{Total: 99}, ctx.Err()
	})
	if !IsTimeout(err) {
		t.Fatalf("got %v, want timeout", err)
	}
	if got != nil {
		t.Errorf("timed-out call must return the zero value, got %+v", got)
	}
}
