package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBreakerInitialState(t *testing.T) {
	b := New("test", DefaultConfig())
	if b.State() != Closed {
		t.Errorf("initial state = %v, want Closed", b.State())
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New("ocr", Config{Threshold: 3, ResetTimeout: time.Hour, HalfOpenSuccesses: 2})

	for i := 0; i < 3; i++ {
		b.Failure()
	}

	if b.State() != Open {
		t.Errorf("state = %v, want Open", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Errorf("Allow() = %v, want ErrOpen", err)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := New("ocr", Config{Threshold: 1, ResetTimeout: time.Millisecond, HalfOpenSuccesses: 2})
	b.Failure()

	time.Sleep(5 * time.Millisecond)

	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() = %v, want nil", err)
	}
	if b.State() != HalfOpen {
		t.Fatalf("state = %v, want HalfOpen", b.State())
	}

	b.Success()
	b.Success()

	if b.State() != Closed {
		t.Errorf("state = %v, want Closed", b.State())
	}
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	b := New("ocr", Config{Threshold: 1, ResetTimeout: time.Millisecond, HalfOpenSuccesses: 3})
	b.Failure()

	time.Sleep(5 * time.Millisecond)
	_ = b.Allow()

	b.Failure()

	if b.State() != Open {
		t.Errorf("state = %v, want Open", b.State())
	}
}

func TestBreakerCallIgnoresCancellation(t *testing.T) {
	b := New("translate", Config{Threshold: 1, ResetTimeout: time.Hour, HalfOpenSuccesses: 1})

	_, err := Call(b, func() (string, error) { return "", context.Canceled })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Call() = %v, want context.Canceled", err)
	}
	if b.State() != Closed {
		t.Errorf("cancellation opened the breaker: state = %v", b.State())
	}

	got, err := Call(b, func() (string, error) { return "hello", nil })
	if err != nil || got != "hello" {
		t.Errorf("Call() = (%q, %v), want (hello, nil)", got, err)
	}
}

func TestBreakerFullCycle(t *testing.T) {
	b := New("x", Config{Threshold: 1, ResetTimeout: time.Millisecond, HalfOpenSuccesses: 1})
	testErr := errors.New("test error")

	if _, err := Call(b, func() (int, error) { return 0, testErr }); err != testErr {
		t.Fatalf("Call() = %v, want %v", err, testErr)
	}
	if b.State() != Open {
		t.Fatalf("state = %v, want Open", b.State())
	}

	time.Sleep(5 * time.Millisecond)
	if err := b.Allow(); err != nil || b.State() != HalfOpen {
		t.Fatalf("Allow() = %v, state = %v, want HalfOpen", err, b.State())
	}

	b.Success()
	if b.State() != Closed {
		t.Errorf("state = %v, want Closed", b.State())
	}
	if v, err := Call(b, func() (int, error) { return 7, nil }); v != 7 || err != nil {
		t.Errorf("Call() = (%d, %v), want (7, nil)", v, err)
	}
}

func TestBreakerConcurrency(t *testing.T) {
	b := New("x", DefaultConfig())
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = b.Allow()
			if i%2 == 0 {
				b.Success()
			} else {
				b.Failure()
			}
		}(i)
	}
	wg.Wait()
	_ = b.State()
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{Closed, "closed"},
		{Open, "open"},
		{HalfOpen, "half-open"},
	}

	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestConfigPresets(t *testing.T) {
	if c := OCRConfig(); c.Threshold != OCRThreshold || c.ResetTimeout != OCRResetTimeout {
		t.Errorf("OCRConfig() = %+v", c)
	}
	if c := TranslationConfig(); c.Threshold != TranslationThreshold {
		t.Errorf("TranslationConfig() = %+v", c)
	}
	if c := (Config{}).withDefaults(); c != DefaultConfig() {
		t.Errorf("withDefaults() = %+v, want %+v", c, DefaultConfig())
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	b := New("x", Config{Threshold: 3, ResetTimeout: time.Hour, HalfOpenSuccesses: 1})

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()

	if b.State() != Closed {
		t.Errorf("state = %v, want Closed", b.State())
	}
}
