// internal/service/stock/infrastructure/adapter/stock_cache_redis_adapter.go
package adapter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"stocknexus/internal/pkg/redis"

	goredis "github.com/redis/go-redis/v9"
)

const (
	refreshScriptName = "stock_refresh"
	// 缓存只是台账的旁路镜像，带 TTL 让陈旧值自愈
	cacheTTL = 30 * time.Second
)

// StockCacheRedisAdapter 是 port.StockCache 的 Redis 实现。
// 刷新用版本号做守卫：并发刷新时旧版本的值会被 Lua 脚本原子地丢弃，
// 避免乱序写入让镜像倒退。
type StockCacheRedisAdapter struct {
	redisClient *redis.Client
}

// NewStockCacheRedisAdapter 创建缓存适配器并加载所需的 Lua 脚本。
func NewStockCacheRedisAdapter(redisClient *redis.Client) (*StockCacheRedisAdapter, error) {
	if err := redisClient.LoadScriptFromContent(refreshScriptName, refreshScript); err != nil {
		return nil, fmt.Errorf("failed to load stock refresh script: %w", err)
	}
	return &StockCacheRedisAdapter{redisClient: redisClient}, nil
}

// RefreshAvailability 刷新某商品可用数量的缓存镜像。
func (a *StockCacheRedisAdapter) RefreshAvailability(ctx context.Context, productID string, available int, version int64) error {
	availKey := fmt.Sprintf("stock:avail:{%s}", productID)
	versionKey := fmt.Sprintf("stock:ver:{%s}", productID)

	keys := []string{availKey, versionKey}
	args := []interface{}{available, version, int(cacheTTL.Seconds())}

	_, err := a.redisClient.RunScript(ctx, refreshScriptName, keys, args...)
	if err != nil {
		return fmt.Errorf("stock cache adapter failed to run script: %w", err)
	}
	return nil
}

// GetAvailability 读取缓存中的可用数量，未命中时第二个返回值为 false。
func (a *StockCacheRedisAdapter) GetAvailability(ctx context.Context, productID string) (int, bool, error) {
	availKey := fmt.Sprintf("stock:avail:{%s}", productID)
	val, err := a.redisClient.GetClient().Get(ctx, availKey).Result()
	if err == goredis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read stock cache: %w", err)
	}
	available, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, fmt.Errorf("unexpected stock cache value %q: %w", val, err)
	}
	return available, true, nil
}

var refreshScript = `
-- KEYS[1]: 可用数量镜像的 Key, 例如: stock:avail:{product_123}
-- KEYS[2]: 版本号的 Key,       例如: stock:ver:{product_123}
-- ARGV[1]: 新的可用数量
-- ARGV[2]: 台账中的版本号
-- ARGV[3]: TTL（秒）

-- 1. 读取已缓存的版本号
local cached = tonumber(redis.call('get', KEYS[2]))

-- 2. 乱序到达的旧版本直接丢弃
if cached and cached >= tonumber(ARGV[2]) then
    return 0
end

-- 3. 写入新值并续期
redis.call('set', KEYS[1], ARGV[1], 'EX', ARGV[3])
redis.call('set', KEYS[2], ARGV[2], 'EX', ARGV[3])
return 1
`
