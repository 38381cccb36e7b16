// -----------------------------------------------------------------------
// In-memory KV store - single-instance backing for sessions and limits
// -----------------------------------------------------------------------

package memory

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/dirigo/internal/interfaces"
)

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// KVStore is a mutex-guarded map with TTL support. Correct for a single
// active instance only; the redis implementation replaces it when state must
// be shared across instances.
type KVStore struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewKVStore creates an empty in-memory store.
func NewKVStore() *KVStore {
	return &KVStore{
		entries: make(map[string]entry),
	}
}

func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || e.expired(time.Now()) {
		return nil, interfaces.ErrKeyNotFound
	}

	// Copy so callers cannot mutate stored state
	value := make([]byte, len(e.value))
	copy(value, e.value)
	return value, nil
}

func (s *KVStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	e := entry{value: stored}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	return nil
}

// CompareAndSwap replaces the value only when the current value matches
// expected. A nil expected asserts the key is absent.
func (s *KVStore) CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	current, ok := s.entries[key]
	present := ok && !current.expired(now)

	if expected == nil {
		if present {
			return interfaces.ErrCASConflict
		}
	} else {
		if !present || !bytes.Equal(current.value, expected) {
			return interfaces.ErrCASConflict
		}
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	e := entry{value: stored}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	s.entries[key] = e
	return nil
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *KVStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var keys []string
	for key, e := range s.entries {
		if e.expired(now) {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *KVStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired(time.Now()) {
		return interfaces.ErrKeyNotFound
	}

	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	s.entries[key] = e
	return nil
}

// Sweep removes expired entries and returns how many were dropped. Called
// from the scheduled cleanup alongside the session sweep.
func (s *KVStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

func (s *KVStore) Close() error {
	return nil
}
