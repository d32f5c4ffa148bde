package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/botwall/botwall/core"
)

// clockStore is an in-memory TTLStore whose expiry follows an injected
// clock, so tests can advance time without sleeping.
type clockStore struct {
	mu      sync.Mutex
	entries map[string]clockEntry
	now     func() time.Time
}

type clockEntry struct {
	value     string
	expiresAt time.Time
}

func newClockStore(now func() time.Time) *clockStore {
	return &clockStore{
		entries: make(map[string]clockEntry),
		now:     now,
	}
}

func (s *clockStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return "", core.ErrStoreNotFound
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return "", core.ErrStoreNotFound
	}
	return e.value, nil
}

func (s *clockStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := clockEntry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = e
	return nil
}

func (s *clockStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *clockStore) contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// erroringStore simulates an unreachable backing store.
type erroringStore struct{}

var errStoreDown = errors.New("store unreachable")

func (erroringStore) Get(ctx context.Context, key string) (string, error) {
	return "", errStoreDown
}

func (erroringStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	return errStoreDown
}

func (erroringStore) Delete(ctx context.Context, key string) error {
	return errStoreDown
}
