package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type Cache struct {
	client *redis.Client
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

var countWindowScript = `local n = redis.call("INCR", KEYS[1])
if n == 1 then redis.call("PEXPIRE", KEYS[1], ARGV[1]) end
return n`

// CountWindow increments a fixed-window counter and starts its expiry on the
// first hit. Both steps run in one script so a counter never outlives its window.
func (c *Cache) CountWindow(ctx context.Context, key string, period time.Duration) (int64, error) {
	return c.client.Eval(ctx, countWindowScript, []string{key}, period.Milliseconds()).Int64()
}

// AcquireLock takes a named lock for owner until ttl passes.
func (c *Cache) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	res := c.client.SetNX(ctx, "lock:"+name, owner, ttl)
	return res.Val(), res.Err()
}

var releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

// ReleaseLock drops the lock only if owner still holds it.
func (c *Cache) ReleaseLock(ctx context.Context, name, owner string) error {
	return c.client.Eval(ctx, releaseScript, []string{"lock:" + name}, owner).Err()
}
