package reliability

import (
	"errors"
	"testing"
	"time"
)

func TestReconnectDelaySchedule(t *testing.T) {
	p := NewReconnectPolicy(5*time.Second, 1.5, 10)

	want := []time.Duration{
		5000 * time.Millisecond,
		7500 * time.Millisecond,
		11250 * time.Millisecond,
	}
	for i, w := range want {
		got, err := p.Next()
		if err != nil {
			t.Fatalf("Next() attempt %d: unexpected error %v", i+1, err)
		}
		if got != w {
			t.Errorf("attempt %d delay = %v, want %v", i+1, got, w)
		}
	}
}

func TestReconnectFirstDelayIsBase(t *testing.T) {
	p := NewReconnectPolicy(2*time.Second, 3.0, 5)
	if d := p.Delay(1); d != 2*time.Second {
		t.Errorf("Delay(1) = %v, want base delay", d)
	}
}

func TestReconnectDelaysIncrease(t *testing.T) {
	p := NewReconnectPolicy(time.Second, 1.5, 10)
	prev := time.Duration(0)
	for i := 1; i <= 10; i++ {
		d := p.Delay(i)
		if d <= prev {
			t.Fatalf("Delay(%d) = %v, not greater than Delay(%d) = %v", i, d, i-1, prev)
		}
		prev = d
	}
}

func TestReconnectExhaustion(t *testing.T) {
	p := NewReconnectPolicy(time.Millisecond, 1.5, 3)
	for i := 0; i < 3; i++ {
		if _, err := p.Next(); err != nil {
			t.Fatalf("attempt %d: unexpected error %v", i+1, err)
		}
	}
	if _, err := p.Next(); !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("after ceiling, err = %v, want ErrAttemptsExhausted", err)
	}
	// Exhaustion is sticky until reset.
	if _, err := p.Next(); !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("second call after ceiling, err = %v, want ErrAttemptsExhausted", err)
	}
}

func TestReconnectReset(t *testing.T) {
	p := NewReconnectPolicy(time.Second, 2.0, 2)
	p.Next()
	p.Next()
	if _, err := p.Next(); err == nil {
		t.Fatal("expected exhaustion before reset")
	}

	p.Reset()
	if p.Attempt() != 0 {
		t.Errorf("Attempt() after reset = %d, want 0", p.Attempt())
	}
	d, err := p.Next()
	if err != nil {
		t.Fatalf("Next() after reset: %v", err)
	}
	if d != time.Second {
		t.Errorf("delay after reset = %v, want base delay", d)
	}
}

func TestReconnectDefaults(t *testing.T) {
	p := NewReconnectPolicy(0, 0, 0)
	if p.BaseDelay != 5*time.Second {
		t.Errorf("default base = %v, want 5s", p.BaseDelay)
	}
	if p.Multiplier != 1.5 {
		t.Errorf("default multiplier = %v, want 1.5", p.Multiplier)
	}
	if p.MaxAttempts != 10 {
		t.Errorf("default max attempts = %d, want 10", p.MaxAttempts)
	}
}
