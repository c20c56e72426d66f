package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryErrWithContext(t *testing.T) {
	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		err := RetryErrWithContext(context.Background(), 3, func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("returns last error on exhaustion", func(t *testing.T) {
		want := errors.New("always")
		err := RetryErrWithContext(context.Background(), 2, func(ctx context.Context) error {
			return want
		})
		if !errors.Is(err, want) {
			t.Errorf("err = %v, want %v", err, want)
		}
	})

	t.Run("stops on canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		err := RetryErrWithContext(ctx, 5, func(ctx context.Context) error {
			calls++
			return errors.New("transient")
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
		if calls != 0 {
			t.Errorf("calls = %d, want 0", calls)
		}
	})

	t.Run("cancellation error is terminal", func(t *testing.T) {
		calls := 0
		err := RetryErrWithContext(context.Background(), 5, func(ctx context.Context) error {
			calls++
			return context.DeadlineExceeded
		})
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("err = %v, want context.DeadlineExceeded", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})
}

func TestRetryWithContext(t *testing.T) {
	calls := 0
	got, err := RetryWithContext(context.Background(), 3, func(ctx context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("got = %q, want ok", got)
	}
}

func TestRetryErrWithBackoff(t *testing.T) {
	t.Run("non-retryable error returned immediately", func(t *testing.T) {
		fatal := errors.New("fatal")
		calls := 0
		err := RetryErrWithBackoff(context.Background(), 5, time.Millisecond, 10*time.Millisecond,
			func(err error) bool { return !errors.Is(err, fatal) },
			func(ctx context.Context) error {
				calls++
				return fatal
			})
		if !errors.Is(err, fatal) {
			t.Errorf("err = %v, want %v", err, fatal)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})

	t.Run("retryable error exhausts attempts", func(t *testing.T) {
		transient := errors.New("serialization failure")
		calls := 0
		err := RetryErrWithBackoff(context.Background(), 3, time.Millisecond, 5*time.Millisecond,
			func(err error) bool { return true },
			func(ctx context.Context) error {
				calls++
				return transient
			})
		if !errors.Is(err, transient) {
			t.Errorf("err = %v, want %v", err, transient)
		}
		if calls != 3 {
			t.Errorf("calls = %d, want 3", calls)
		}
	})

	t.Run("succeeds mid-way", func(t *testing.T) {
		calls := 0
		err := RetryErrWithBackoff(context.Background(), 5, time.Millisecond, 5*time.Millisecond, nil,
			func(ctx context.Context) error {
				calls++
				if calls < 2 {
					return errors.New("transient")
				}
				return nil
			})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 2 {
			t.Errorf("calls = %d, want 2", calls)
		}
	})

	t.Run("cancellation aborts the wait", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(5 * time.Millisecond)
			cancel()
		}()
		err := RetryErrWithBackoff(ctx, 10, time.Second, time.Second, nil,
			func(ctx context.Context) error {
				return errors.New("transient")
			})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})
}
