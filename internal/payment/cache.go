package payment

import (
	"context"
	"sync"
	"time"

	"github.com/alexjbarnes/toolpay/internal/models"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL is how long a fetched balance is served before the
// ledger is asked again.
const DefaultCacheTTL = 5 * time.Second

// BalanceCache mirrors ledger balances. Reads are lock-free and may be
// stale. Concurrent fetches for one principal are coalesced into a
// single ledger call. Local reservations are subtracted from the
// available amount while a settlement is in flight.
type BalanceCache struct {
	ledger Ledger
	ttl    time.Duration
	now    func() time.Time

	group   singleflight.Group
	entries sync.Map // principal -> models.Balance

	mu       sync.Mutex
	reserved map[string]decimal.Decimal
}

// NewBalanceCache returns a cache in front of l.
func NewBalanceCache(l Ledger, ttl time.Duration) *BalanceCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	return &BalanceCache{
		ledger:   l,
		ttl:      ttl,
		now:      time.Now,
		reserved: make(map[string]decimal.Decimal),
	}
}

// Get returns the cached balance for principal, fetching it when the
// cached copy is missing or older than the TTL.
func (c *BalanceCache) Get(ctx context.Context, principal string) (models.Balance, error) {
	if v, ok := c.entries.Load(principal); ok {
		b := v.(models.Balance)
		if c.now().Sub(b.FetchedAt) < c.ttl {
			return c.adjust(b), nil
		}
	}

	return c.Refresh(ctx, principal)
}

// Refresh fetches the balance from the ledger regardless of the cache.
func (c *BalanceCache) Refresh(ctx context.Context, principal string) (models.Balance, error) {
	v, err, _ := c.group.Do(principal, func() (any, error) {
		b, err := c.ledger.BalanceOf(ctx, principal)
		if err != nil {
			return nil, err
		}

		b.FetchedAt = c.now()
		c.entries.Store(principal, b)

		return b, nil
	})
	if err != nil {
		return models.Balance{}, err
	}

	return c.adjust(v.(models.Balance)), nil
}

// Invalidate drops the cached balance for principal.
func (c *BalanceCache) Invalidate(principal string) {
	c.entries.Delete(principal)
	c.group.Forget(principal)
}

// Reserve deducts amount locally until Release is called.
func (c *BalanceCache) Reserve(principal string, amount decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reserved[principal] = c.reserved[principal].Add(amount)
}

// Release reverses a Reserve.
func (c *BalanceCache) Release(principal string, amount decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	left := c.reserved[principal].Sub(amount)
	if !left.IsPositive() {
		delete(c.reserved, principal)
		return
	}

	c.reserved[principal] = left
}

// Reserved returns the amount currently reserved for principal.
func (c *BalanceCache) Reserved(principal string) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.reserved[principal]
}

func (c *BalanceCache) adjust(b models.Balance) models.Balance {
	if r := c.Reserved(b.Principal); r.IsPositive() {
		b.Available = b.Available.Sub(r)
	}

	return b
}
