package retryutil

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), nil, "dial", 3, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("refused")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("Do() = %v after %d calls, want nil after 3", err, calls)
	}
}

func TestDoReturnsLastError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), nil, "dial", 2, time.Millisecond, func(context.Context) error {
		calls++
		return errors.New("refused")
	})
	if err == nil || calls != 2 {
		t.Fatalf("Do() = %v after %d calls", err, calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	base := errors.New("unauthorized")
	calls := 0
	err := Do(context.Background(), nil, "dial", 5, time.Millisecond, func(context.Context) error {
		calls++
		return &Permanent{Err: base}
	})
	if !errors.Is(err, base) || calls != 1 {
		t.Fatalf("Do() = %v after %d calls, want base error after 1", err, calls)
	}
}

func TestDoStopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, nil, "dial", 5, time.Hour, func(context.Context) error {
		calls++
		cancel()
		return errors.New("refused")
	})
	if err == nil || calls != 1 {
		t.Fatalf("Do() = %v after %d calls", err, calls)
	}
}
