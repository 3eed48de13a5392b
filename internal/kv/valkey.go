package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"
)

// setScript stores ARGV[1] with an optional PX of ARGV[2] milliseconds.
// With ARGV[3] == "nx" it only writes when the key is absent.
var setScript = valkey.NewLuaScript(`
local px = tonumber(ARGV[2])
if ARGV[3] == "nx" and redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
if px > 0 then
  redis.call("SET", KEYS[1], ARGV[1], "PX", px)
else
  redis.call("SET", KEYS[1], ARGV[1])
end
return 1
`)

// casScript swaps KEYS[1] from ARGV[1] to ARGV[2] with an optional PX
// of ARGV[3] milliseconds.
var casScript = valkey.NewLuaScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
local px = tonumber(ARGV[3])
if px > 0 then
  redis.call("SET", KEYS[1], ARGV[2], "PX", px)
else
  redis.call("SET", KEYS[1], ARGV[2])
end
return 1
`)

const valkeyScanCount = 200

// Valkey is a Store backed by a Valkey (or Redis) server. It lets several
// toolpay instances share pending authorizations, codes, clients and
// payment records. Expiry is native, so Sweep is a no-op.
type Valkey struct {
	client valkey.Client
	prefix string
}

// OpenValkey connects to the server at addr. All keys are namespaced
// under prefix.
func OpenValkey(addr, prefix string) (*Valkey, error) {
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{addr}})
	if err != nil {
		return nil, fmt.Errorf("connecting to valkey: %w", err)
	}

	return &Valkey{client: client, prefix: prefix}, nil
}

func (v *Valkey) key(k string) string {
	return v.prefix + k
}

func millis(ttl time.Duration) string {
	if ttl <= 0 {
		return "0"
	}

	ms := ttl.Milliseconds()
	if ms == 0 {
		ms = 1
	}

	return strconv.FormatInt(ms, 10)
}

func (v *Valkey) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := v.client.Do(ctx, v.client.B().Get().Key(v.key(key)).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("valkey get: %w", err)
	}

	return b, nil
}

func (v *Valkey) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := setScript.Exec(ctx, v.client, []string{v.key(key)}, []string{string(value), millis(ttl), ""}).Error()
	if err != nil {
		return fmt.Errorf("valkey set: %w", err)
	}

	return nil
}

func (v *Valkey) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	n, err := setScript.Exec(ctx, v.client, []string{v.key(key)}, []string{string(value), millis(ttl), "nx"}).AsInt64()
	if err != nil {
		return false, fmt.Errorf("valkey set nx: %w", err)
	}

	return n == 1, nil
}

func (v *Valkey) CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	n, err := casScript.Exec(ctx, v.client, []string{v.key(key)}, []string{string(old), string(next), millis(ttl)}).AsInt64()
	if err != nil {
		return false, fmt.Errorf("valkey cas: %w", err)
	}

	return n == 1, nil
}

func (v *Valkey) Take(ctx context.Context, key string) ([]byte, error) {
	b, err := v.client.Do(ctx, v.client.B().Getdel().Key(v.key(key)).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("valkey getdel: %w", err)
	}

	return b, nil
}

func (v *Valkey) Delete(ctx context.Context, key string) error {
	if err := v.client.Do(ctx, v.client.B().Del().Key(v.key(key)).Build()).Error(); err != nil {
		return fmt.Errorf("valkey del: %w", err)
	}

	return nil
}

// globEscaper quotes the characters SCAN MATCH treats as a pattern.
var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func (v *Valkey) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	match := globEscaper.Replace(v.key(prefix)) + "*"

	var cursor uint64

	for {
		entry, err := v.client.Do(ctx, v.client.B().Scan().Cursor(cursor).Match(match).Count(valkeyScanCount).Build()).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("valkey scan: %w", err)
		}

		for _, full := range entry.Elements {
			k := strings.TrimPrefix(full, v.prefix)

			b, err := v.Get(ctx, k)
			if errors.Is(err, ErrNotFound) {
				continue
			}

			if err != nil {
				return nil, err
			}

			out[k] = b
		}

		cursor = entry.Cursor
		if cursor == 0 {
			return out, nil
		}
	}
}

func (v *Valkey) Sweep(context.Context) (int, error) { return 0, nil }

func (v *Valkey) Close() error {
	v.client.Close()
	return nil
}
