// internal/service/stock/infrastructure/kafka_consumer.go
package infrastructure

import (
	"context"
	"time"

	"stocknexus/internal/pkg/logger"
	"stocknexus/internal/pkg/mq"
	"stocknexus/internal/service/stock/application"
	"stocknexus/internal/service/stock/domain"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// StockEventConsumerAdapter 是驱动适配器：监听订单结果 Topic，
// 把消息交给事件路由器。事件类型由消息所在 Topic 判定。
// 只有路由器成功返回才提交 Offset，失败的消息留待重投，
// 幂等账本保证重投是安全的。
type StockEventConsumerAdapter struct {
	reader         *kafka.Reader
	router         *application.EventRouter
	confirmedTopic string
	cancelledTopic string
}

func NewStockEventConsumerAdapter(reader *kafka.Reader, router *application.EventRouter, confirmedTopic, cancelledTopic string) *StockEventConsumerAdapter {
	return &StockEventConsumerAdapter{
		reader:         reader,
		router:         router,
		confirmedTopic: confirmedTopic,
		cancelledTopic: cancelledTopic,
	}
}

// Run 是长期运行的消费循环，ctx 取消后优雅退出。
func (a *StockEventConsumerAdapter) Run(ctx context.Context) error {
	logger.Logger.Info().
		Str("confirmed_topic", a.confirmedTopic).
		Str("cancelled_topic", a.cancelledTopic).
		Msg("Stock event consumer started.")
	defer a.reader.Close()

	for {
		msg, err := a.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Logger.Info().Msg("Stock event consumer shutting down.")
				return nil
			}
			logger.Logger.Error().Err(err).Msg("Could not fetch message. Retrying...")
			time.Sleep(1 * time.Second) // 避免快速失败循环
			continue
		}

		if err := a.processMessage(ctx, msg); err != nil {
			// 不提交 Offset：消息未确认，由消费组的重投策略再次投递
			logger.Logger.Error().Err(err).
				Str("topic", msg.Topic).
				Int64("offset", msg.Offset).
				Msg("Event processing failed, message left unacknowledged.")
			continue
		}

		if err := a.reader.CommitMessages(ctx, msg); err != nil {
			logger.Logger.Error().Err(err).Msg("Failed to commit message offset.")
		}
	}
}

// processMessage 重建链路上下文并分发给路由器。
// 处理器一旦进入原子单元就不应被关停打断，因此这里切断取消信号，
// 未完成的消息由"Offset 未提交 + 幂等账本"兜底。
func (a *StockEventConsumerAdapter) processMessage(parentCtx context.Context, msg kafka.Message) error {
	eventType, ok := a.eventTypeForTopic(msg.Topic)
	if !ok {
		logger.Logger.Error().Str("topic", msg.Topic).Msg("Message from unexpected topic. Message will be skipped.")
		return nil
	}

	carrier := mq.KafkaHeaderCarrier(msg.Headers)
	ctx := otel.GetTextMapPropagator().Extract(context.WithoutCancel(parentCtx), &carrier)

	return a.router.Route(ctx, application.InboundEvent{
		Type:    eventType,
		Payload: msg.Value,
	})
}

func (a *StockEventConsumerAdapter) eventTypeForTopic(topic string) (domain.EventType, bool) {
	switch topic {
	case a.confirmedTopic:
		return domain.EventTypeOrderConfirmed, true
	case a.cancelledTopic:
		return domain.EventTypeOrderCancelled, true
	default:
		return "", false
	}
}
