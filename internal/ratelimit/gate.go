// Package ratelimit paces outbound vendor API calls and sizes work batches
// to the process's memory headroom.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/scopewatch/scopewatch/internal/directory"
	"github.com/scopewatch/scopewatch/internal/metrics"
)

const (
	defaultMaxRetries = 5
	baseRetryDelay    = 1 * time.Second
	maxRetryDelay     = 32 * time.Second

	// Above this share of the per-minute budget the gate inserts an extra
	// pause before each call, spreading the tail of a burst.
	pressureThreshold = 0.8
	pressureDelay     = 500 * time.Millisecond
)

// QuotaError is a vendor response that signals throttling rather than a
// permanent failure.
type QuotaError struct {
	StatusCode int
	Message    string
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded (status %d): %s", e.StatusCode, e.Message)
}

// IsQuotaError reports whether err should be retried as a throttling
// response: a QuotaError, an HTTP 429, or a message mentioning quota or rate
// limits.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	var qe *QuotaError
	if errors.As(err, &qe) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "rate limit")
}

// Gate enforces a requests-per-minute budget across every caller sharing it.
type Gate struct {
	limiter    *rate.Limiter
	vendor     string
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time

	mu          sync.Mutex
	windowStart time.Time
	windowCount int
	perMinute   int
}

func NewGate(vendor string, requestsPerMinute int) *Gate {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	// Burst stays at 1: the first call goes through immediately and every
	// later call is spaced a full 1/rate apart, so no sliding minute can
	// ever see more than requestsPerMinute calls.
	return &Gate{
		limiter:    rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), 1),
		vendor:     vendor,
		maxRetries: defaultMaxRetries,
		sleep:      sleepWithContext,
		now:        time.Now,
		perMinute:  requestsPerMinute,
	}
}

// Wait blocks until the next request may proceed. Callers inside a minute
// window that already consumed most of the budget get an extra pause.
func (g *Gate) Wait(ctx context.Context) error {
	start := g.now()
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	extra := g.pressurePause()
	if extra > 0 {
		if err := g.sleep(ctx, extra); err != nil {
			return err
		}
	}
	metrics.RateLimitWaitSeconds.Observe(g.now().Sub(start).Seconds())
	return nil
}

func (g *Gate) pressurePause() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if g.windowStart.IsZero() || now.Sub(g.windowStart) >= time.Minute {
		g.windowStart = now
		g.windowCount = 0
	}
	g.windowCount++
	if float64(g.windowCount) > float64(g.perMinute)*pressureThreshold {
		return pressureDelay
	}
	return 0
}

// Do runs fn behind the gate, retrying quota errors with exponential backoff.
// Expired credentials are returned immediately and never retried.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := baseRetryDelay
	for attempt := 0; ; attempt++ {
		if err := g.Wait(ctx); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, directory.ErrAuthExpired) {
			return err
		}
		if !IsQuotaError(err) || attempt >= g.maxRetries {
			return err
		}
		metrics.QuotaRetriesTotal.WithLabelValues(g.vendor).Inc()
		slog.Warn("vendor throttled, backing off",
			"vendor", g.vendor, "attempt", attempt+1, "delay", delay, "error", err)
		if serr := g.sleep(ctx, delay); serr != nil {
			return serr
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
