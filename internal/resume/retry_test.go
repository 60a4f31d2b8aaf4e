package resume

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryRetriesTransientOnly(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), time.Second, func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("%w: connection reset", ErrStorageTransient)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}

	calls = 0
	err = Retry(context.Background(), time.Second, func() error {
		calls++
		return ErrConflict
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent errors must not be retried, got %d attempts", calls)
	}
}

func TestRetryStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, time.Minute, func() error {
		return ErrStorageTransient
	})
	if err == nil {
		t.Fatal("expected error once the context is done")
	}
}

func TestRetryKeepsLastErrorWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, time.Minute, func() error {
		return fmt.Errorf("%w: deadlock detected", ErrStorageTransient)
	})
	if !errors.Is(err, ErrStorageTransient) {
		t.Fatalf("expected the storage error, got %v", err)
	}
}
