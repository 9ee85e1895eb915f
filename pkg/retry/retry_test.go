package retry

import (
	"context"
	stderr "errors"
	"testing"
	"time"

	"github.com/objectfs/iquestfs/pkg/errors"
)

func TestRetryer_Success(t *testing.T) {
	retryer := New(DefaultConfig())

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_TransportErrorRetriedOnce(t *testing.T) {
	reconnects := 0
	retryer := New(DefaultConfig()).WithBeforeRetry(func(ctx context.Context, attempt int, err error) error {
		reconnects++
		return nil
	})

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		if attempts == 1 {
			return errors.NewError(errors.ErrCodeConnectionLost, "reset")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
	if reconnects != 1 {
		t.Errorf("Expected 1 reconnect, got %d", reconnects)
	}
}

func TestRetryer_NeverMoreThanOneRetry(t *testing.T) {
	retryer := New(DefaultConfig())

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return errors.NewError(errors.ErrCodeConnectionLost, "reset")
	})

	if !errors.IsTransport(err) {
		t.Errorf("Expected transport error, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
}

func TestRetryer_NonRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"auth", errors.NewError(errors.ErrCodeCredentialExpired, "ticket expired")},
		{"not found", errors.NewError(errors.ErrCodeNotFound, "gone")},
		{"exhausted", errors.NewError(errors.ErrCodeOutOfDescriptors, "full")},
		{"plain", stderr.New("plain")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			err := New(DefaultConfig()).Do(func() error {
				attempts++
				return tt.err
			})
			if err != tt.err {
				t.Errorf("Expected original error, got %v", err)
			}
			if attempts != 1 {
				t.Errorf("Expected 1 attempt, got %d", attempts)
			}
		})
	}
}

func TestRetryer_BeforeRetryFailureAborts(t *testing.T) {
	reconnectErr := errors.NewError(errors.ErrCodeConnectFailed, "cannot reach host")
	retryer := New(DefaultConfig()).WithBeforeRetry(func(context.Context, int, error) error {
		return reconnectErr
	})

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return errors.NewError(errors.ErrCodeConnectionLost, "reset")
	})

	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
	if !stderr.Is(err, reconnectErr) {
		t.Errorf("Expected reconnect error in chain, got %v", err)
	}
}

func TestRetryer_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := New(DefaultConfig()).DoWithContext(ctx, func(context.Context) error {
		called = true
		return nil
	})

	if err == nil {
		t.Error("Expected error for canceled context")
	}
	if called {
		t.Error("fn should not run after cancellation")
	}
}

func TestRetryer_Delay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Delay = 20 * time.Millisecond
	retryer := New(cfg)

	start := time.Now()
	attempts := 0
	_ = retryer.Do(func() error {
		attempts++
		return errors.NewError(errors.ErrCodeNetworkError, "x")
	})

	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Expected at least one delay, elapsed %v", elapsed)
	}
}

func TestValue(t *testing.T) {
	calls := 0
	got, err := Value(context.Background(), New(DefaultConfig()), func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.NewError(errors.ErrCodeConnectionLost, "x")
		}
		return 42, nil
	})

	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if got != 42 {
		t.Errorf("Expected 42, got %d", got)
	}
}
