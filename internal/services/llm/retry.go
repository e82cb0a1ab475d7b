package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"loom/internal/services"
)

// withRetry posts body until it succeeds, fails with a non-retryable kind or
// runs out of attempts. The last error keeps its kind for the worker.
func (c *Client) withRetry(ctx context.Context, op string, body chatRequest) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		text, err := c.post(ctx, body)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if attempt == c.attempts || ctx.Err() != nil || !retryable(err) {
			break
		}
		if err := c.sleep(ctx, c.delayFor(err, attempt)); err != nil {
			return "", services.Wrap(services.ErrTimeout, "", op, "retry interrupted", err)
		}
	}
	return "", fmt.Errorf("%s: %w", op, lastErr)
}

func retryable(err error) bool {
	switch services.Kind(err) {
	case services.KindTransient, services.KindTimeout:
		return true
	}
	return false
}

// delayFor honours a provider's Retry-After and otherwise follows the backoff
// strategy. Neither may exceed a minute.
func (c *Client) delayFor(err error, attempt int) time.Duration {
	delay := c.delays.Delay(attempt)
	var se *statusError
	if errors.As(err, &se) && se.RetryAfter > 0 {
		delay = se.RetryAfter
	}
	return min(delay, time.Minute)
}

func transportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return services.Wrap(services.ErrTransient, "", "llm request", "canceled", err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return services.Wrap(services.ErrTimeout, "", "llm request", "", err)
	}
	return services.Wrap(services.ErrTransient, "", "llm request", "", err)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(max(seconds, 0)) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil && when.After(now) {
		return when.Sub(now)
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
