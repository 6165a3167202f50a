package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

const onHandVersionKey = "ledger:onhand:version"

// OnHandCache keeps on-hand totals in Redis behind a version counter.
// Mutations bump the version instead of deleting keys, so stale entries
// simply age out.
type OnHandCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewOnHandCache instantiates the cache helper.
func NewOnHandCache(client *redis.Client, ttl time.Duration) *OnHandCache {
	return &OnHandCache{client: client, ttl: ttl}
}

// Version returns the current cache version, initialising it when missing.
func (c *OnHandCache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, onHandVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.Set(ctx, onHandVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// Bump invalidates every cached total by advancing the version.
func (c *OnHandCache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, onHandVersionKey).Err()
}

// FetchOnHand loads a cached total or populates it via the loader. Concurrent
// misses for the same scope collapse into one loader call.
func (c *OnHandCache) FetchOnHand(ctx context.Context, vesselID, productID int64, loader func(context.Context) (decimal.Decimal, error)) (decimal.Decimal, error) {
	if loader == nil {
		return decimal.Zero, errors.New("ledger: cache loader required")
	}
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return loader(ctx)
	}
	key := fmt.Sprintf("ledger:onhand:%d:%d:%d", vesselID, productID, ver)

	if raw, err := c.client.Get(ctx, key).Result(); err == nil {
		if total, err := decimal.NewFromString(raw); err == nil {
			return total, nil
		}
	}

	value, err, _ := c.group.Do(key, func() (interface{}, error) {
		total, err := loader(ctx)
		if err != nil {
			return decimal.Zero, err
		}
		if err := c.client.Set(ctx, key, total.String(), c.ttl).Err(); err != nil {
			return total, nil
		}
		return total, nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return value.(decimal.Decimal), nil
}
