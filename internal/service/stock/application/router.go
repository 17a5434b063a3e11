// internal/service/stock/application/router.go
package application

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"stocknexus/internal/pkg/logger"
	"stocknexus/internal/pkg/metrics"
	"stocknexus/internal/service/stock/domain"
	"stocknexus/internal/service/stock/domain/port"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrUnknownEventType 表示入站事件类型没有对应的处理器。
var ErrUnknownEventType = errors.New("unknown inbound event type")

// InboundEvent 是驱动适配器（Kafka 消费者）交给路由器的原始事件。
// Type 由消费侧根据 Topic 判定，Payload 是未解码的消息体。
type InboundEvent struct {
	Type    domain.EventType
	Payload []byte
}

// EventRouter 接收至少一次投递的入站事件：
// 先查幂等账本，未处理过才分发给对应处理器，处理器的数据变更与
// 账本插入在同一个事务内提交。处理器报错时整个事务回滚并把错误
// 抛回消费侧（不提交 Offset，等待重投）。
type EventRouter struct {
	uow          domain.UnitOfWork
	confirmation *ConfirmationProcessor
	compensation *CompensationProcessor
	producer     port.StockEventProducer
	tracer       trace.Tracer
}

func NewEventRouter(uow domain.UnitOfWork, confirmation *ConfirmationProcessor, compensation *CompensationProcessor, producer port.StockEventProducer, tracer trace.Tracer) *EventRouter {
	return &EventRouter{
		uow:          uow,
		confirmation: confirmation,
		compensation: compensation,
		producer:     producer,
		tracer:       tracer,
	}
}

// Route 解码事件并执行"查账本 → 分发 → 记账本"的处理契约。
// 返回非 nil 错误意味着事件未被确认，传输层会重新投递。
func (r *EventRouter) Route(ctx context.Context, evt InboundEvent) error {
	ctx, span := r.tracer.Start(ctx, "stock.EventRouter.Route", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(attribute.String("event.type", string(evt.Type)))

	switch evt.Type {
	case domain.EventTypeOrderConfirmed:
		var event domain.OrderConfirmedEvent
		if err := json.Unmarshal(evt.Payload, &event); err != nil {
			// 无法解析的消息重投多少次都不会成功，记录后跳过，
			// 生产环境应同时转入死信队列
			logger.Ctx(ctx).Error().Err(err).Msg("Failed to unmarshal OrderConfirmed event. Message will be skipped.")
			metrics.EventsProcessed.WithLabelValues(string(evt.Type), "error").Inc()
			return nil
		}
		return r.dispatch(ctx, span, &eventEnvelope{
			eventID:       event.EventID,
			eventType:     domain.EventTypeOrderConfirmed,
			orderID:       event.OrderID,
			correlationID: event.CorrelationID,
		}, func(ctx context.Context, repos domain.Repositories) (string, *domain.StockDebitedEvent, error) {
			return r.confirmation.Process(ctx, repos, &event)
		})

	case domain.EventTypeOrderCancelled:
		var event domain.OrderCancelledEvent
		if err := json.Unmarshal(evt.Payload, &event); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("Failed to unmarshal OrderCancelled event. Message will be skipped.")
			metrics.EventsProcessed.WithLabelValues(string(evt.Type), "error").Inc()
			return nil
		}
		return r.dispatch(ctx, span, &eventEnvelope{
			eventID:       event.EventID,
			eventType:     domain.EventTypeOrderCancelled,
			orderID:       event.OrderID,
			correlationID: event.CorrelationID,
		}, func(ctx context.Context, repos domain.Repositories) (string, *domain.StockDebitedEvent, error) {
			details, err := r.compensation.Process(ctx, repos, &event)
			return details, nil, err
		})

	default:
		span.SetStatus(codes.Error, "unknown event type")
		return ErrUnknownEventType
	}
}

// eventEnvelope 是分发时需要的事件元信息，EventID 同时作为去重键。
type eventEnvelope struct {
	eventID       string
	eventType     domain.EventType
	orderID       string
	correlationID string
}

type eventHandler func(ctx context.Context, repos domain.Repositories) (details string, outbound *domain.StockDebitedEvent, err error)

func (r *EventRouter) dispatch(ctx context.Context, span trace.Span, env *eventEnvelope, handle eventHandler) error {
	if env.eventID == "" {
		logger.Ctx(ctx).Error().Str("order_id", env.orderID).Msg("Inbound event without eventId. Message will be skipped.")
		metrics.EventsProcessed.WithLabelValues(string(env.eventType), "error").Inc()
		return nil
	}
	span.SetAttributes(
		attribute.String("event.id", env.eventID),
		attribute.String("order.id", env.orderID),
	)

	duplicate := false
	var outbound *domain.StockDebitedEvent

	err := r.uow.Execute(ctx, func(ctx context.Context, repos domain.Repositories) error {
		exists, err := repos.ProcessedEvents.Exists(ctx, env.eventID)
		if err != nil {
			return err
		}
		if exists {
			duplicate = true
			return nil
		}

		details, out, err := handle(ctx, repos)
		if err != nil {
			return err
		}
		outbound = out

		return repos.ProcessedEvents.Record(ctx, &domain.ProcessedEvent{
			EventID:       env.eventID,
			EventType:     env.eventType,
			OrderID:       env.orderID,
			ProcessedAt:   time.Now(),
			CorrelationID: env.correlationID,
			Details:       details,
		})
	})

	// 并发的重复投递可能双双通过 Exists 检查，唯一约束是最终防线：
	// 撞上约束的一方回滚全部变更，按重复投递确认掉。
	if errors.Is(err, domain.ErrDuplicateEvent) {
		duplicate = true
		outbound = nil
		err = nil
	}
	if err != nil {
		metrics.EventsProcessed.WithLabelValues(string(env.eventType), "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "event processing failed, message left unacknowledged")
		return err
	}
	if duplicate {
		metrics.EventsProcessed.WithLabelValues(string(env.eventType), "duplicate").Inc()
		logger.Ctx(ctx).Info().Str("event_id", env.eventID).Msg("Duplicate event delivery, acknowledged without side effects.")
		span.AddEvent("Duplicate delivery absorbed by idempotency ledger.")
		return nil
	}

	metrics.EventsProcessed.WithLabelValues(string(env.eventType), "processed").Inc()

	// 结果事件在事务提交后尽力发送；发送失败不影响已提交的状态流转
	if outbound != nil && r.producer != nil {
		if err := r.producer.PublishStockDebited(ctx, outbound); err != nil {
			metrics.ResultEventsEmitted.WithLabelValues("error").Inc()
			logger.Ctx(ctx).Error().Err(err).
				Str("order_id", outbound.OrderID).
				Msg("Failed to publish StockDebited event; state transitions remain committed.")
		} else {
			metrics.ResultEventsEmitted.WithLabelValues("ok").Inc()
		}
	}
	return nil
}
