package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var (
	errFlaky = errors.New("flaky")
	errFatal = errors.New("fatal")
)

func instant(p Policy) Policy {
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func isFlaky(err error) bool { return errors.Is(err, errFlaky) }

func TestDoSucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	var delays []time.Duration
	p := instant(Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Retryable:   isFlaky,
		OnRetry:     func(_ int, _ error, d time.Duration) { delays = append(delays, d) },
	})
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Errorf("delays = %v", delays)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), instant(Policy{MaxAttempts: 5, Retryable: isFlaky}), func(context.Context) error {
		calls++
		return errFatal
	})
	if !errors.Is(err, errFatal) {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), instant(Policy{MaxAttempts: 3, Retryable: isFlaky}), func(context.Context) error {
		calls++
		return errFlaky
	})
	if !errors.Is(err, errFlaky) {
		t.Fatalf("err = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour, Retryable: isFlaky}
	go cancel()
	err := Do(ctx, p, func(context.Context) error {
		calls++
		return errFlaky
	})
	if !errors.Is(err, errFlaky) {
		t.Fatalf("err = %v, want last error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDelayCapped(t *testing.T) {
	p := Policy{BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestDelayJitterBounds(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 8 * time.Second, Jitter: true}
	for i := 0; i < 50; i++ {
		d := p.Delay(4)
		if d < time.Second || d > 8*time.Second {
			t.Fatalf("jittered delay %v out of bounds", d)
		}
	}
}

func TestDoValue(t *testing.T) {
	v, err := DoValue(context.Background(), Policy{}, func(context.Context) (int, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Errorf("DoValue = %d, %v", v, err)
	}
}
