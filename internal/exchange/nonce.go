package exchange

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceCache 缓存交易所侧钱包 nonce；交易所是权威来源，缓存随时可以丢弃重拉
type NonceCache interface {
	// Get 返回缓存值，未缓存时 ok 为 false
	Get(ctx context.Context, address string) (nonce int64, ok bool, err error)
	Set(ctx context.Context, address string, nonce int64) error
	// Add 仅在已缓存时累加
	Add(ctx context.Context, address string, delta int64) error
}

// MemoryNonceCache 进程内 nonce 缓存
type MemoryNonceCache struct {
	mu     sync.Mutex
	nonces map[string]int64
}

// NewMemoryNonceCache 创建进程内缓存
func NewMemoryNonceCache() *MemoryNonceCache {
	return &MemoryNonceCache{nonces: make(map[string]int64)}
}

func (c *MemoryNonceCache) Get(_ context.Context, address string) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nonces[strings.ToLower(address)]
	return n, ok, nil
}

func (c *MemoryNonceCache) Set(_ context.Context, address string, nonce int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonces[strings.ToLower(address)] = nonce
	return nil
}

func (c *MemoryNonceCache) Add(_ context.Context, address string, delta int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := strings.ToLower(address)
	if n, ok := c.nonces[key]; ok {
		c.nonces[key] = n + delta
	}
	return nil
}

// addIfExistsScript 避免 INCRBY 在键过期后从 0 开始计数
var addIfExistsScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return redis.call("INCRBY", KEYS[1], ARGV[1])
end
return false
`)

// RedisNonceCache 多实例共享的 nonce 缓存
type RedisNonceCache struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisNonceCache ttl 到期后强制从交易所重新同步
func NewRedisNonceCache(client redis.Cmdable, prefix string, ttl time.Duration) *RedisNonceCache {
	if prefix == "" {
		prefix = "custody:exchange:nonce:"
	}
	return &RedisNonceCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisNonceCache) key(address string) string {
	return c.prefix + strings.ToLower(address)
}

func (c *RedisNonceCache) Get(ctx context.Context, address string) (int64, bool, error) {
	n, err := c.client.Get(ctx, c.key(address)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func (c *RedisNonceCache) Set(ctx context.Context, address string, nonce int64) error {
	return c.client.Set(ctx, c.key(address), nonce, c.ttl).Err()
}

func (c *RedisNonceCache) Add(ctx context.Context, address string, delta int64) error {
	err := addIfExistsScript.Run(ctx, c.client, []string{c.key(address)}, delta).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
