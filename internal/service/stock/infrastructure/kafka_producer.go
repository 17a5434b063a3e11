// internal/service/stock/infrastructure/kafka_producer.go
package infrastructure

import (
	"context"
	"encoding/json"

	"stocknexus/internal/pkg/logger"
	"stocknexus/internal/pkg/mq"
	"stocknexus/internal/service/stock/domain"

	"github.com/segmentio/kafka-go"
)

// StockDebitedProducerAdapter 是 port.StockEventProducer 的 Kafka 实现。
// 按 OrderID 作为分区键，保证同一订单的结果事件有序。
type StockDebitedProducerAdapter struct {
	writer *kafka.Writer
}

func NewStockDebitedProducerAdapter(writer *kafka.Writer) *StockDebitedProducerAdapter {
	return &StockDebitedProducerAdapter{writer: writer}
}

func (p *StockDebitedProducerAdapter) PublishStockDebited(ctx context.Context, event *domain.StockDebitedEvent) error {
	eventBytes, err := json.Marshal(event)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("Failed to marshal StockDebited event.")
		return err
	}
	return mq.ProduceMessage(ctx, p.writer, []byte(event.OrderID), eventBytes)
}

// Close 关闭底层 writer。
func (p *StockDebitedProducerAdapter) Close() error {
	return p.writer.Close()
}
