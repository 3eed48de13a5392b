package kv

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// expiryHeaderLen prefixes every stored value with its expiry as
	// big-endian unix nanoseconds. Zero means no expiry.
	expiryHeaderLen = 8
)

var kvBucket = []byte("kv")

// Bolt is a Store backed by a single bbolt database file. Every write
// runs in its own bolt transaction, which bbolt serializes, so
// PutIfAbsent, CompareAndSwap and Take are atomic.
type Bolt struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBolt opens (or creates) the database at path.
func OpenBolt(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(kvBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Bolt{db: db, now: time.Now}, nil
}

// DefaultBoltPath returns ~/.toolpay/state.db.
func DefaultBoltPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".toolpay", "state.db"), nil
}

func (b *Bolt) encode(value []byte, ttl time.Duration) []byte {
	out := make([]byte, expiryHeaderLen+len(value))

	if ttl > 0 {
		binary.BigEndian.PutUint64(out, uint64(b.now().Add(ttl).UnixNano()))
	}

	copy(out[expiryHeaderLen:], value)

	return out
}

// decode returns the payload of a stored value and whether it is still
// live. Values shorter than the header are treated as corrupt and dead.
func (b *Bolt) decode(raw []byte) ([]byte, bool) {
	if len(raw) < expiryHeaderLen {
		return nil, false
	}

	exp := int64(binary.BigEndian.Uint64(raw))
	if exp != 0 && b.now().UnixNano() >= exp {
		return nil, false
	}

	return bytes.Clone(raw[expiryHeaderLen:]), true
}

func (b *Bolt) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte

	err := b.db.View(func(tx *bolt.Tx) error {
		v, ok := b.decode(tx.Bucket(kvBucket).Get([]byte(key)))
		if !ok {
			return ErrNotFound
		}

		out = v

		return nil
	})

	return out, err
}

func (b *Bolt) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucket).Put([]byte(key), b.encode(value, ttl))
	})
}

func (b *Bolt) PutIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	stored := false

	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(kvBucket)
		if _, ok := b.decode(bk.Get([]byte(key))); ok {
			return nil
		}

		stored = true

		return bk.Put([]byte(key), b.encode(value, ttl))
	})

	return stored, err
}

func (b *Bolt) CompareAndSwap(_ context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	swapped := false

	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(kvBucket)

		cur, ok := b.decode(bk.Get([]byte(key)))
		if !ok || !bytes.Equal(cur, old) {
			return nil
		}

		swapped = true

		return bk.Put([]byte(key), b.encode(next, ttl))
	})

	return swapped, err
}

func (b *Bolt) Take(_ context.Context, key string) ([]byte, error) {
	var out []byte

	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(kvBucket)

		v, ok := b.decode(bk.Get([]byte(key)))
		if err := bk.Delete([]byte(key)); err != nil {
			return err
		}

		if !ok {
			return ErrNotFound
		}

		out = v

		return nil
	})

	return out, err
}

func (b *Bolt) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(kvBucket).Delete([]byte(key))
	})
}

func (b *Bolt) Scan(_ context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	p := []byte(prefix)

	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(kvBucket).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if val, ok := b.decode(v); ok {
				out[string(k)] = val
			}
		}

		return nil
	})

	return out, err
}

func (b *Bolt) Sweep(_ context.Context) (int, error) {
	removed := 0

	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(kvBucket)

		var dead [][]byte

		err := bk.ForEach(func(k, v []byte) error {
			if _, ok := b.decode(v); !ok {
				dead = append(dead, bytes.Clone(k))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range dead {
			if err := bk.Delete(k); err != nil {
				return err
			}
		}

		removed = len(dead)

		return nil
	})

	return removed, err
}

// Close closes the database.
func (b *Bolt) Close() error {
	return b.db.Close()
}
