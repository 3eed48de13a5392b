package kv

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is an in-process Store. It is safe for concurrent use and is
// intended for tests and single-instance development.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}

	return m.now().Add(ttl)
}

// live returns the entry at key if present and not expired. Caller
// holds m.mu.
func (m *Memory) live(key string) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}

	if e.expired(m.now()) {
		return memEntry{}, false
	}

	return e, true
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		return nil, ErrNotFound
	}

	return bytes.Clone(e.value), nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	m.entries[key] = memEntry{value: bytes.Clone(value), expiresAt: m.expiry(ttl)}
	m.mu.Unlock()

	return nil
}

func (m *Memory) PutIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live(key); ok {
		return false, nil
	}

	m.entries[key] = memEntry{value: bytes.Clone(value), expiresAt: m.expiry(ttl)}

	return true, nil
}

func (m *Memory) CompareAndSwap(_ context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok || !bytes.Equal(e.value, old) {
		return false, nil
	}

	m.entries[key] = memEntry{value: bytes.Clone(next), expiresAt: m.expiry(ttl)}

	return true, nil
}

func (m *Memory) Take(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	delete(m.entries, key)

	if !ok {
		return nil, ErrNotFound
	}

	return e.value, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()

	return nil
}

func (m *Memory) Scan(_ context.Context, prefix string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]byte)

	for k := range m.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}

		if e, ok := m.live(k); ok {
			out[k] = bytes.Clone(e.value)
		}
	}

	return out, nil
}

func (m *Memory) Sweep(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0

	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
			removed++
		}
	}

	return removed, nil
}

// Len returns the number of stored entries, including expired ones not
// yet swept.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.entries)
}

func (m *Memory) Close() error { return nil }
