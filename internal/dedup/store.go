// Package dedup guards against processing a redelivered update while the
// first delivery is still in flight.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	DefaultMaxAge        = 5 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// Key identifies one message in one chat.
type Key struct {
	ChatID    int64
	MessageID int
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d", k.ChatID, k.MessageID)
}

// State is tracked for every admitted key until release or sweep.
type State struct {
	Kind      Kind
	StartedAt time.Time
}

// Store tracks in-flight dispatches. Admit returns false when key is already
// tracked; every admitted key must be released exactly once.
type Store interface {
	Admit(ctx context.Context, key Key, kind Kind) (bool, error)
	Release(ctx context.Context, key Key) error
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// MemoryStore keeps states in a map for the lifetime of the process.
type MemoryStore struct {
	mu     sync.Mutex
	states map[Key]State
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[Key]State),
		now:    time.Now,
	}
}

func (s *MemoryStore) Admit(_ context.Context, key Key, kind Kind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.states[key]; exists {
		return false, nil
	}
	s.states[key] = State{Kind: kind, StartedAt: s.now()}
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key Key) error {
	s.mu.Lock()
	delete(s.states, key)
	s.mu.Unlock()
	return nil
}

// Sweep drops states older than maxAge and reports how many were removed.
func (s *MemoryStore) Sweep(_ context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, state := range s.states {
		if state.StartedAt.Before(cutoff) {
			delete(s.states, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
