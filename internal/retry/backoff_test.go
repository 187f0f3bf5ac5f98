package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestBackoff_SuccessAfterRetries(t *testing.T) {
	b := &Backoff{InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, MaxAttempts: 10}
	calls := 0

	err := b.Do(context.Background(), func(attempt int) error {
		calls++
		if attempt < 3 {
			return fmt.Errorf("throttled")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestBackoff_PermanentError(t *testing.T) {
	notFound := errors.New("no task")
	calls := 0

	err := DiscoveryBackoff().Do(context.Background(), func(_ int) error {
		calls++
		return Permanent(notFound)
	})
	if !errors.Is(err, notFound) || IsPermanent(err) {
		t.Fatalf("expected the unwrapped cause, got %v", err)
	}
	if calls != 1 {
		t.Errorf("permanent errors are not retried, got %d calls", calls)
	}
}

func TestBackoff_MaxAttempts(t *testing.T) {
	b := &Backoff{InitialDelay: time.Millisecond, MaxAttempts: 3}
	cause := errors.New("throttled")
	calls := 0

	err := b.Do(context.Background(), func(_ int) error {
		calls++
		return cause
	})
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestBackoff_ContextCancelled(t *testing.T) {
	b := &Backoff{InitialDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := b.Do(ctx, func(_ int) error { return errors.New("down") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBackoff_Delay(t *testing.T) {
	b := AcceptBackoff()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Millisecond},
		{2, 10 * time.Millisecond},
		{3, 20 * time.Millisecond},
		{20, time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestJitter_Bounds(t *testing.T) {
	for i := 0; i < 1000; i++ {
		d := jitter(100 * time.Millisecond)
		if d < 75*time.Millisecond || d > 125*time.Millisecond {
			t.Fatalf("jitter out of ±25%%: %v", d)
		}
	}
}
