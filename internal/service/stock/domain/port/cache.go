// internal/service/stock/domain/port/cache.go
package port

import "context"

// StockCache 是可用库存的旁路缓存端口，由 Redis 适配器实现。
// 缓存只服务读路径（运营查询、前置展示），正确性判定永远以台账为准，
// 因此所有方法都是尽力而为：失败由调用方降级处理。
type StockCache interface {
	// RefreshAvailability 刷新某商品的可用数量镜像。
	// version 用于丢弃乱序到达的旧值。
	RefreshAvailability(ctx context.Context, productID string, available int, version int64) error

	// GetAvailability 读取缓存的可用数量。第二个返回值表示是否命中。
	GetAvailability(ctx context.Context, productID string) (int, bool, error)
}
