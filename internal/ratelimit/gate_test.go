package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/scopewatch/scopewatch/internal/directory"
)

func TestIsQuotaError(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"typed", &QuotaError{StatusCode: 429, Message: "slow down"}, true},
		{"wrapped typed", fmt.Errorf("list users: %w", &QuotaError{StatusCode: 429}), true},
		{"message quota", errors.New("dailyLimitExceeded: quota exhausted"), true},
		{"message rate limit", errors.New("Rate Limit Exceeded"), true},
		{"status text", errors.New("unexpected status 429"), true},
		{"plain", errors.New("connection refused"), false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := IsQuotaError(tc.err); got != tc.want {
				t.Fatalf("IsQuotaError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestDoRetriesQuotaErrors(t *testing.T) {
	t.Parallel()
	g := NewGate("google", 6000)
	g.sleep = func(context.Context, time.Duration) error { return nil }

	calls := 0
	err := g.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &QuotaError{StatusCode: 429, Message: "try later"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned %v", err)
	}
	if calls != 3 {
		t.Fatalf("fn called %d times, want 3", calls)
	}
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()
	g := NewGate("google", 6000)
	g.sleep = func(context.Context, time.Duration) error { return nil }
	g.maxRetries = 2

	calls := 0
	err := g.Do(context.Background(), func(context.Context) error {
		calls++
		return &QuotaError{StatusCode: 429}
	})
	var qe *QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("err = %v, want QuotaError", err)
	}
	if calls != 3 {
		t.Fatalf("fn called %d times, want initial attempt plus 2 retries", calls)
	}
}

func TestDoNeverRetriesExpiredAuth(t *testing.T) {
	t.Parallel()
	g := NewGate("microsoft", 6000)
	g.sleep = func(context.Context, time.Duration) error { return nil }

	calls := 0
	err := g.Do(context.Background(), func(context.Context) error {
		calls++
		return fmt.Errorf("refresh token: %w", directory.ErrAuthExpired)
	})
	if !errors.Is(err, directory.ErrAuthExpired) {
		t.Fatalf("err = %v, want ErrAuthExpired", err)
	}
	if calls != 1 {
		t.Fatalf("fn called %d times, want 1", calls)
	}
}

func TestGateNeverExceedsMinuteBudget(t *testing.T) {
	t.Parallel()
	g := NewGate("google", 1800)

	if got := g.limiter.Burst(); got != 1 {
		t.Fatalf("burst = %d, want 1 so no window can front-load extra calls", got)
	}
	if got := g.limiter.Limit(); got != rate.Limit(30) {
		t.Fatalf("limit = %v, want 30 tokens per second", got)
	}
}

func TestPressurePauseKicksInLateWindow(t *testing.T) {
	t.Parallel()
	g := NewGate("google", 10)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	for i := 0; i < 8; i++ {
		if d := g.pressurePause(); d != 0 {
			t.Fatalf("pause on request %d within budget", i+1)
		}
	}
	if d := g.pressurePause(); d == 0 {
		t.Fatal("expected pause above 80% of window budget")
	}

	// A new minute resets the window.
	now = now.Add(61 * time.Second)
	if d := g.pressurePause(); d != 0 {
		t.Fatal("expected no pause after the window rolled over")
	}
}

func TestMonitorBatchSize(t *testing.T) {
	t.Parallel()
	m := NewMonitor(100)

	set := func(heap uint64) {
		m.readMemStats = func(ms *runtime.MemStats) { ms.HeapAlloc = heap }
	}

	set(10)
	if got := m.BatchSize(15, 75); got != 75 {
		t.Fatalf("low pressure batch = %d, want 75", got)
	}
	set(100)
	if got := m.BatchSize(15, 75); got != 15 {
		t.Fatalf("full pressure batch = %d, want 15", got)
	}
	set(75)
	got := m.BatchSize(15, 75)
	if got <= 15 || got >= 75 {
		t.Fatalf("mid pressure batch = %d, want strictly between 15 and 75", got)
	}
}
