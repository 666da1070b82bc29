package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// windowCounter is a fake Counter with a controllable clock.
type windowCounter struct {
	mu        sync.Mutex
	now       time.Time
	counts    map[string]int64
	expiresAt map[string]time.Time
	lastKey   string
	err       error
}

func newWindowCounter() *windowCounter {
	return &windowCounter{
		now:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		counts:    map[string]int64{},
		expiresAt: map[string]time.Time{},
	}
}

func (c *windowCounter) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastKey = key
	if c.err != nil {
		return 0, c.err
	}
	if exp, ok := c.expiresAt[key]; !ok || !c.now.Before(exp) {
		c.counts[key] = 1
		c.expiresAt[key] = c.now.Add(window)
		return 1, nil
	}
	c.counts[key]++
	return c.counts[key], nil
}

func (c *windowCounter) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestNew_Validates(t *testing.T) {
	_, err := New(nil, 30, time.Hour, nil)
	require.ErrorContains(t, err, "must not be nil")

	l, err := New(newWindowCounter(), 0, 0, nil)
	require.NoError(t, err)
	require.Equal(t, int64(DefaultLimit), l.limit)
	require.Equal(t, DefaultWindow, l.window)
}

func TestAllow_ExactlyLimitPerWindow(t *testing.T) {
	c := newWindowCounter()
	l, err := New(c, 30, time.Hour, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 1; i <= 30; i++ {
		require.True(t, l.Allow(ctx, "977"), "request %d", i)
	}
	require.Equal(t, "ratelimit:977", c.lastKey)

	for i := 0; i < 5; i++ {
		require.False(t, l.Allow(ctx, "977"))
	}
	require.Equal(t, int64(35), c.counts["ratelimit:977"], "denied requests are still counted")

	c.advance(59 * time.Minute)
	require.False(t, l.Allow(ctx, "977"))

	c.advance(time.Minute)
	require.True(t, l.Allow(ctx, "977"), "window resets after expiry")
}

func TestAllow_UsersAreIndependent(t *testing.T) {
	l, err := New(newWindowCounter(), 1, time.Hour, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "a"))
	require.False(t, l.Allow(ctx, "a"))
	require.True(t, l.Allow(ctx, "b"))
}

func TestAllow_FailsOpen(t *testing.T) {
	c := newWindowCounter()
	c.err = errors.New("connection refused")
	l, err := New(c, 1, time.Hour, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow(context.Background(), "977"))
	}
}
