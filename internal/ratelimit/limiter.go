// Package ratelimit enforces the per-user request quota.
//
// The window is a fixed reset window anchored at the first request: the
// counter is created with an expiry of Window and every later request in
// that window only increments it. Bursts straddling a window boundary can
// therefore see up to twice Limit requests in a Window-sized span.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	DefaultLimit  = 30
	DefaultWindow = time.Hour

	keyPrefix = "ratelimit:"
)

// Counter is the increment-with-expiry primitive the limiter is built on.
// Incr must be atomic per key and must start a fresh window at 1 when the
// key is absent or expired.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Limiter is safe for concurrent use; all state lives in the Counter.
type Limiter struct {
	counter Counter
	limit   int64
	window  time.Duration
	logger  *slog.Logger
}

func New(counter Counter, limit int, window time.Duration, logger *slog.Logger) (*Limiter, error) {
	if counter == nil {
		return nil, errors.New("ratelimit: counter must not be nil")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{counter: counter, limit: int64(limit), window: window, logger: logger}, nil
}

// Allow counts one request for userID and reports whether it is within the
// quota. Denied requests are still counted. If the counter store fails the
// request is allowed.
func (l *Limiter) Allow(ctx context.Context, userID string) bool {
	n, err := l.counter.Incr(ctx, keyPrefix+userID, l.window)
	if err != nil {
		l.logger.Error("ratelimit: counter unavailable, allowing", "user", userID, "err", err)
		return true
	}
	return n <= l.limit
}
