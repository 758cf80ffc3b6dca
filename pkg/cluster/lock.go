package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/opswatch/pkg/store"
)

// Acquire grants a named task lock for ttl via SET NX EX, recording an audit
// row in Postgres. Locks and leadership share the same Redis instance but
// are independent primitives — acquiring a lock never reads or writes
// leader state, and vice versa.
func (c *Coordinator) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	key := lockKey(name)
	ok, err := c.rdb.SetNX(ctx, key, c.nodeID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis lock SETNX %q: %w", name, err)
	}
	if !ok {
		return false, nil
	}

	now := time.Now()
	locks := store.NewLockStore(c.pool)
	if err := locks.Upsert(ctx, name, c.nodeID, now, now.Add(ttl)); err != nil {
		c.logger.Error("lock acquired in redis but audit row failed", "name", name, "error", err)
	}
	return true, nil
}

// Release drops a lock this node owns. It is a no-op (not an error) if the
// lock expired or was never held.
func (c *Coordinator) Release(ctx context.Context, name string) error {
	key := lockKey(name)
	holder, err := c.rdb.Get(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis lock GET %q: %w", name, err)
	}
	if holder == c.nodeID {
		if err := c.rdb.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("redis lock DEL %q: %w", name, err)
		}
	}

	locks := store.NewLockStore(c.pool)
	if err := locks.Delete(ctx, name, c.nodeID); err != nil {
		c.logger.Error("deleting lock audit row", "name", name, "error", err)
	}
	return nil
}

func lockKey(name string) string { return fmt.Sprintf("lock:%s", name) }
