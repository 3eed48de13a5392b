// Package kv provides the key-value store that holds all shared auth
// and payment state. Entries may carry a TTL; expired entries are
// invisible to reads and are reclaimed by Sweep.
//
// Read-modify-write must go through CompareAndSwap (or Mutate, which
// loops on it). A Get followed by a Put is a race.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// errMutateConflict is returned by Mutate when it gives up retrying.
var errMutateConflict = errors.New("kv: too many concurrent updates")

// ErrNoChange may be returned by a Mutate callback to leave the stored
// value untouched. Mutate then returns nil.
var ErrNoChange = errors.New("kv: no change")

const maxMutateAttempts = 16

// Store is a key-value store with per-entry expiry. A ttl of zero means
// the entry never expires.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// PutIfAbsent stores value only if key does not exist (or has
	// expired). It reports whether the value was stored.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndSwap replaces the value at key with next only if the
	// current value equals old byte for byte.
	CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error)
	// Take atomically returns and deletes the value at key.
	Take(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// Scan returns all live entries whose key starts with prefix.
	Scan(ctx context.Context, prefix string) (map[string][]byte, error)
	// Sweep removes expired entries and returns how many were removed.
	Sweep(ctx context.Context) (int, error)
	Close() error
}

// GetJSON reads key and decodes it into a new T.
func GetJSON[T any](ctx context.Context, s Store, key string) (*T, []byte, error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}

	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, nil, fmt.Errorf("decoding %s: %w", key, err)
	}

	return v, raw, nil
}

// PutJSON encodes v and stores it unconditionally.
func PutJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}

	return s.Put(ctx, key, data, ttl)
}

// CreateJSON encodes v and stores it only if key is unused.
func CreateJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encoding %s: %w", key, err)
	}

	return s.PutIfAbsent(ctx, key, data, ttl)
}

// Mutate applies fn to the current value of key and writes the result
// with CompareAndSwap, retrying when another writer got there first. fn
// may be called several times and must not have side effects. If fn
// returns ErrNoChange nothing is written and Mutate returns the current
// value. The ttl function receives the updated value.
func Mutate[T any](ctx context.Context, s Store, key string, ttl func(*T) time.Duration, fn func(*T) error) (*T, error) {
	for range maxMutateAttempts {
		cur, raw, err := GetJSON[T](ctx, s, key)
		if err != nil {
			return nil, err
		}

		if err := fn(cur); err != nil {
			if errors.Is(err, ErrNoChange) {
				return cur, nil
			}

			return nil, err
		}

		next, err := json.Marshal(cur)
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", key, err)
		}

		ok, err := s.CompareAndSwap(ctx, key, raw, next, ttl(cur))
		if err != nil {
			return nil, err
		}

		if ok {
			return cur, nil
		}
	}

	return nil, errMutateConflict
}

// TTLUntil returns the duration until t, floored at one millisecond so
// an already-expired record is not stored without expiry.
func TTLUntil(t time.Time) time.Duration {
	d := time.Until(t)
	if d < time.Millisecond {
		return time.Millisecond
	}

	return d
}

// NoTTL is a Mutate ttl function for entries that never expire.
func NoTTL[T any](*T) time.Duration { return 0 }
