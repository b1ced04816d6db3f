package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sells-group/catalog-enricher/internal/config"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDo_SuccessAfterRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(), func(context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("temporary"), 503)
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

func TestDo_ExhaustsRetries(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(), func(context.Context) error {
		calls++
		return NewTransientError(errors.New("still down"), 503)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_NonTransientNotRetried(t *testing.T) {
	var calls int
	_ = Do(context.Background(), fastRetry(), func(context.Context) error {
		calls++
		return errors.New("bad request")
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_OnRetryCalled(t *testing.T) {
	var attempts []int
	cfg := fastRetry()
	cfg.OnRetry = func(attempt int, _ error) { attempts = append(attempts, attempt) }
	_ = Do(context.Background(), cfg, func(context.Context) error {
		return NewTransientError(errors.New("x"), 500)
	})
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("unexpected retry attempts %v", attempts)
	}
}

func TestDo_ContextCancelledStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour}
	var calls int
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_ = Do(ctx, cfg, func(context.Context) error {
		calls++
		return NewTransientError(errors.New("x"), 500)
	})
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation should interrupt backoff sleep")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestBackoff_CappedAndJittered(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2, JitterFraction: 0.25}
	for i := 0; i < 50; i++ {
		d := Backoff(10, cfg)
		if d < 750*time.Millisecond || d > 1250*time.Millisecond {
			t.Fatalf("backoff %s outside jitter bounds of cap", d)
		}
	}
	noJitter := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}
	if got := Backoff(2, noJitter); got != 400*time.Millisecond {
		t.Errorf("expected 400ms, got %s", got)
	}
}

func TestNextRetryAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if got := NextRetryAt(now, 0, time.Minute); !got.Equal(now.Add(time.Minute)) {
		t.Errorf("retry 0: got %s", got)
	}
	if got := NextRetryAt(now, 3, time.Minute); !got.Equal(now.Add(8 * time.Minute)) {
		t.Errorf("retry 3: got %s", got)
	}
	if got := NextRetryAt(now, 40, time.Minute); !got.Equal(now.Add(24 * time.Hour)) {
		t.Errorf("expected one day cap, got %s", got)
	}
}

func TestFromHTTPConfig(t *testing.T) {
	cfg := FromHTTPConfig(config.HTTPConfig{MaxRetries: 4, InitialBackoffMs: 200, MaxBackoffMs: 2000, JitterFraction: 0.1})
	if cfg.MaxAttempts != 5 {
		t.Errorf("expected 5 attempts, got %d", cfg.MaxAttempts)
	}
	if cfg.InitialBackoff != 200*time.Millisecond || cfg.MaxBackoff != 2*time.Second {
		t.Errorf("unexpected backoff bounds %s..%s", cfg.InitialBackoff, cfg.MaxBackoff)
	}
}

func TestFromCircuitConfig(t *testing.T) {
	cfg := FromCircuitConfig(config.CircuitConfig{FailureThreshold: 7, RecoveryTimeoutSecs: 60})
	if cfg.FailureThreshold != 7 || cfg.ResetTimeout != time.Minute {
		t.Errorf("unexpected circuit config %+v", cfg)
	}
	def := FromCircuitConfig(config.CircuitConfig{})
	if def.FailureThreshold != 5 {
		t.Errorf("expected default threshold, got %d", def.FailureThreshold)
	}
}
