package cron

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func fastRetry(max int) RetryConfig {
	return RetryConfig{MaxRetries: max, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestExecuteWithRetry(t *testing.T) {
	t.Run("first attempt succeeds", func(t *testing.T) {
		result, attempts, err := ExecuteWithRetry(func() (string, error) {
			return "ok", nil
		}, fastRetry(3))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result != "ok" || attempts != 1 {
			t.Errorf("got (%q, %d), want (ok, 1)", result, attempts)
		}
	})

	t.Run("recovers after failures", func(t *testing.T) {
		calls := 0
		result, attempts, err := ExecuteWithRetry(func() (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("transient")
			}
			return "recovered", nil
		}, fastRetry(3))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result != "recovered" || attempts != 3 {
			t.Errorf("got (%q, %d), want (recovered, 3)", result, attempts)
		}
	})

	t.Run("budget exhausted", func(t *testing.T) {
		calls := 0
		_, attempts, err := ExecuteWithRetry(func() (string, error) {
			calls++
			return "", errors.New("down")
		}, fastRetry(2))
		if err == nil {
			t.Fatal("want error after retries")
		}
		if calls != 3 || attempts != 3 {
			t.Errorf("calls=%d attempts=%d, want 3/3", calls, attempts)
		}
	})

	t.Run("zero retries runs once", func(t *testing.T) {
		calls := 0
		_, _, err := ExecuteWithRetry(func() (string, error) {
			calls++
			return "", errors.New("down")
		}, fastRetry(0))
		if err == nil {
			t.Fatal("want error")
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})
}

func TestBackoffWithJitter(t *testing.T) {
	base := 100 * time.Millisecond

	tests := []struct {
		attempt int
		max     time.Duration
		lo, hi  time.Duration
	}{
		{0, time.Second, 75 * time.Millisecond, 125 * time.Millisecond},
		{1, time.Second, 150 * time.Millisecond, 250 * time.Millisecond},
		{2, time.Second, 300 * time.Millisecond, 500 * time.Millisecond},
		// far past the cap, including shift overflow territory
		{10, 200 * time.Millisecond, 150 * time.Millisecond, 250 * time.Millisecond},
		{63, 200 * time.Millisecond, 150 * time.Millisecond, 250 * time.Millisecond},
	}
	for _, tt := range tests {
		d := backoffWithJitter(base, tt.max, tt.attempt)
		if d < tt.lo || d > tt.hi {
			t.Errorf("attempt %d: delay %v outside [%v, %v]", tt.attempt, d, tt.lo, tt.hi)
		}
	}
}

func TestTruncateOutput(t *testing.T) {
	if got := TruncateOutput("short"); got != "short" {
		t.Errorf("short string changed: %q", got)
	}

	exact := strings.Repeat("a", maxOutputBytes)
	if TruncateOutput(exact) != exact {
		t.Error("string at the limit should pass through")
	}

	long := strings.Repeat("x", maxOutputBytes+100)
	got := TruncateOutput(long)
	if !strings.HasSuffix(got, "...[truncated]") {
		t.Error("want ...[truncated] suffix")
	}
	if len(got) != maxOutputBytes+len("...[truncated]") {
		t.Errorf("truncated length = %d", len(got))
	}
}
