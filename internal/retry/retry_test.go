package retry

import (
	"testing"
	"time"
)

func TestDecideBackoffSeries(t *testing.T) {
	t.Parallel()
	base := 2 * time.Second
	tests := []struct {
		attempt int
		retry   bool
		after   time.Duration
	}{
		{1, true, 2 * time.Second},
		{2, true, 4 * time.Second},
		{3, true, 8 * time.Second},
		{4, false, 0}, // retries exhausted
	}
	for _, tt := range tests {
		got := Decide(3, base, tt.attempt)
		if got.Retry != tt.retry {
			t.Fatalf("Decide(3, %v, %d).Retry = %v, want %v", base, tt.attempt, got.Retry, tt.retry)
		}
		if got.After != tt.after {
			t.Fatalf("Decide(3, %v, %d).After = %v, want %v", base, tt.attempt, got.After, tt.after)
		}
	}
}

func TestDecideNoRetries(t *testing.T) {
	t.Parallel()
	if d := Decide(0, time.Minute, 1); d.Retry {
		t.Fatal("maxRetries=0 must give up on the first failure")
	}
}

func TestDecideBadAttempt(t *testing.T) {
	t.Parallel()
	if d := Decide(3, time.Second, 0); d.Retry {
		t.Fatal("attempt 0 is out of range")
	}
	if d := Decide(3, time.Second, -2); d.Retry {
		t.Fatal("negative attempt is out of range")
	}
}

func TestBackoffCap(t *testing.T) {
	t.Parallel()
	if got := Backoff(time.Hour, 40); got != maxBackoff {
		t.Fatalf("Backoff cap = %v, want %v", got, maxBackoff)
	}
}
