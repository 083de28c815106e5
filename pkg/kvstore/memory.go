package kvstore

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with LRU eviction.
// State is lost on restart and not shared between processes.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	maxSize int
	now     func() time.Time
}

type memoryEntry struct {
	value      string
	expiresAt  time.Time // zero = no expiry
	lastAccess time.Time
}

// NewMemoryStore creates a store holding at most maxSize keys.
func NewMemoryStore(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		maxSize: maxSize,
		now:     time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) expired(e *memoryEntry, now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// lookup returns a live entry; caller holds mu.
func (s *MemoryStore) lookup(key string, now time.Time) (*memoryEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if s.expired(e, now) {
		delete(s.entries, key)
		return nil, false
	}
	e.lastAccess = now
	return e, true
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key, s.now())
	if !ok {
		return "", ErrMiss
	}
	return e.value, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.put(key, value, ttl, now)
	return nil
}

// put stores a value; caller holds mu.
func (s *MemoryStore) put(key, value string, ttl time.Duration, now time.Time) {
	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.maxSize {
		s.evictLRU()
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}
	s.entries[key] = &memoryEntry{value: value, expiresAt: expiresAt, lastAccess: now}
}

func (s *MemoryStore) GetDel(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key, s.now())
	if !ok {
		return "", ErrMiss
	}
	delete(s.entries, key)
	return e.value, nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		delete(s.entries, k)
	}
	return nil
}

// Incr keeps the key's existing TTL, like Redis INCR.
func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.lookup(key, now)
	if !ok {
		s.put(key, "1", 0, now)
		return 1, nil
	}

	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, err
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	return n, nil
}

// evictLRU removes the least recently used entry; caller holds mu.
func (s *MemoryStore) evictLRU() {
	var oldestKey string
	var oldestTime time.Time

	for key, e := range s.entries {
		if oldestKey == "" || e.lastAccess.Before(oldestTime) {
			oldestKey = key
			oldestTime = e.lastAccess
		}
	}

	if oldestKey != "" {
		delete(s.entries, oldestKey)
	}
}

// Cleanup removes expired entries.
func (s *MemoryStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, key)
		}
	}
}

// StartCleanup removes expired entries every interval until ctx is done.
func (s *MemoryStore) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Cleanup()
			}
		}
	}()
}

// Len returns the number of stored keys, including expired ones not yet cleaned up.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
