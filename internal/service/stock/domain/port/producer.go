// internal/service/stock/domain/port/producer.go
package port

import (
	"context"

	"stocknexus/internal/service/stock/domain"
)

// StockEventProducer 是出站结果事件的端口，由 Kafka 适配器实现。
type StockEventProducer interface {
	// PublishStockDebited 发布确认处理的结果事件。
	// 发布失败只记录日志，不回滚已提交的状态流转。
	PublishStockDebited(ctx context.Context, event *domain.StockDebitedEvent) error
}
