package repository

import (
	"context"
	"errors"
	"sync"
	"time"
)

type memoryList struct {
	values    []string
	expiresAt time.Time
}

type memoryCounter struct {
	count     int64
	expiresAt time.Time
}

// Memory is an in-process implementation of the store primitives. It is
// meant for local development and tests; state does not survive a restart
// and is not shared between replicas.
type Memory struct {
	mu       sync.Mutex
	lists    map[string]*memoryList
	counters map[string]*memoryCounter
	now      func() time.Time
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		lists:    make(map[string]*memoryList),
		counters: make(map[string]*memoryCounter),
		now:      time.Now,
	}
}

// PushTrim has the same semantics as Client.PushTrim.
func (m *Memory) PushTrim(_ context.Context, key string, values []string, maxLen int, ttl time.Duration) error {
	if maxLen <= 0 {
		return errors.New("repository: PushTrim: maxLen must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var existing []string
	if l, ok := m.lists[key]; ok && now.Before(l.expiresAt) {
		existing = l.values
	}
	m.lists[key] = &memoryList{
		values:    pushTrim(existing, values, maxLen),
		expiresAt: now.Add(ttl),
	}
	return nil
}

// List has the same semantics as Client.List.
func (m *Memory) List(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lists[key]
	if !ok {
		return nil, nil
	}
	if !m.now().Before(l.expiresAt) {
		delete(m.lists, key)
		return nil, nil
	}
	out := make([]string, len(l.values))
	copy(out, l.values)
	return out, nil
}

// Incr has the same semantics as Client.Incr.
func (m *Memory) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	c, ok := m.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		m.counters[key] = &memoryCounter{count: 1, expiresAt: now.Add(window)}
		return 1, nil
	}
	c.count++
	return c.count, nil
}

// Sweep drops every expired list and counter and returns how many were removed.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for k, l := range m.lists {
		if !now.Before(l.expiresAt) {
			delete(m.lists, k)
			removed++
		}
	}
	for k, c := range m.counters {
		if !now.Before(c.expiresAt) {
			delete(m.counters, k)
			removed++
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *Memory) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
