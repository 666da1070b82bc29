// Package session keeps the bounded, TTL'd conversation window per user.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"whatsapp-relay/internal/domain"
)

const (
	DefaultMaxTurns = 16
	DefaultTTL      = 24 * time.Hour

	keyPrefix = "history:"
)

// Backend is the list primitive the store is built on. PushTrim must be
// atomic per key.
type Backend interface {
	PushTrim(ctx context.Context, key string, values []string, maxLen int, ttl time.Duration) error
	List(ctx context.Context, key string) ([]string, error)
}

// Store persists conversation turns newest-first under history:{user}.
type Store struct {
	backend  Backend
	maxTurns int
	ttl      time.Duration
	logger   *slog.Logger
}

// New creates a Store. maxTurns must be even so that user/agent pairs are
// never split by trimming.
func New(backend Backend, maxTurns int, ttl time.Duration, logger *slog.Logger) (*Store, error) {
	if backend == nil {
		return nil, errors.New("session: backend must not be nil")
	}
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	if maxTurns%2 != 0 {
		return nil, fmt.Errorf("session: max turns must be even, got %d", maxTurns)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: backend, maxTurns: maxTurns, ttl: ttl, logger: logger}, nil
}

func historyKey(userID string) string {
	return keyPrefix + userID
}

// AppendTurn inserts turns at the head of the user's window in the order
// given, trims to the newest maxTurns and refreshes the TTL in one backend
// operation.
func (s *Store) AppendTurn(ctx context.Context, userID string, turns ...domain.Turn) error {
	if userID == "" {
		return errors.New("session: user id is required")
	}
	if len(turns) == 0 {
		return nil
	}
	values := make([]string, 0, len(turns))
	for _, t := range turns {
		if !t.Role.Valid() {
			return fmt.Errorf("session: invalid role %q", t.Role)
		}
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("session: encode turn: %w", err)
		}
		values = append(values, string(b))
	}
	if err := s.backend.PushTrim(ctx, historyKey(userID), values, s.maxTurns, s.ttl); err != nil {
		return fmt.Errorf("session: append: %w", err)
	}
	return nil
}

// LoadHistory returns the user's window oldest-first. Entries that do not
// decode to a valid turn are skipped.
func (s *Store) LoadHistory(ctx context.Context, userID string) ([]domain.Turn, error) {
	raw, err := s.backend.List(ctx, historyKey(userID))
	if err != nil {
		return nil, fmt.Errorf("session: load: %w", err)
	}
	turns := make([]domain.Turn, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var t domain.Turn
		if err := json.Unmarshal([]byte(raw[i]), &t); err != nil || !t.Role.Valid() {
			s.logger.Debug("session: skipping malformed turn", "user", userID, "index", i)
			continue
		}
		turns = append(turns, t)
	}
	if len(turns) > s.maxTurns {
		turns = turns[len(turns)-s.maxTurns:]
	}
	return turns, nil
}
