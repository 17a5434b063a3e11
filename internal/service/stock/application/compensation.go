// internal/service/stock/application/compensation.go
package application

import (
	"context"
	"errors"
	"fmt"

	"stocknexus/internal/pkg/logger"
	"stocknexus/internal/service/stock/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CompensationProcessor 处理 OrderCancelled 事件：
// 把订单下所有 RESERVED 的预留释放（RELEASED），库存原数归还。
// 只选取 RESERVED 行使它天然幂等：重复投递或晚于确认到达时无事可做。
type CompensationProcessor struct {
	tracer trace.Tracer
}

func NewCompensationProcessor(tracer trace.Tracer) *CompensationProcessor {
	return &CompensationProcessor{tracer: tracer}
}

// Process 在路由器提供的事务作用域内执行，返回写入幂等账本的 details。
// 归还用无条件的原子自增而不是版本重试：事务内的快照读看不到
// 并发提交的新版本，而自增与并发扣减天然可交换，不需要前置条件。
// 存储层报错时整个事务回滚并等待传输层重投。
func (p *CompensationProcessor) Process(ctx context.Context, repos domain.Repositories, event *domain.OrderCancelledEvent) (string, error) {
	ctx, span := p.tracer.Start(ctx, "stock.ReleaseReservations")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", event.OrderID),
		attribute.String("cancellation.reason", event.CancellationReason),
	)

	reserved, err := repos.Reservations.FindByOrderAndStatus(ctx, event.OrderID, domain.StatusReserved)
	if err != nil {
		return "", err
	}

	// 找不到活跃预留是正常的幂等空转：订单可能已确认，或事件重复到达
	if len(reserved) == 0 {
		logger.Ctx(ctx).Info().
			Str("order_id", event.OrderID).
			Msg("No active reservations to release, idempotent no-op.")
		span.AddEvent("Idempotent no-op: zero active reservations.")
		return fmt.Sprintf("no active reservations for order %s, idempotent no-op", event.OrderID), nil
	}

	for _, reservation := range reserved {
		if err := p.releaseOne(ctx, repos, reservation, event.CancellationReason); err != nil {
			return "", err
		}
	}

	logger.Ctx(ctx).Info().
		Str("order_id", event.OrderID).
		Int("released", len(reserved)).
		Msg("Reservations released, stock restored.")
	span.AddEvent("Reservations transitioned to RELEASED.")

	return fmt.Sprintf("released %d reservation(s), reason: %s", len(reserved), event.CancellationReason), nil
}

// releaseOne 归还单条预留占用的库存并流转状态。
func (p *CompensationProcessor) releaseOne(ctx context.Context, repos domain.Repositories, reservation *domain.Reservation, reason string) error {
	err := repos.Stock.RestoreProductQuantity(ctx, reservation.ProductID, reservation.Quantity)
	if errors.Is(err, domain.ErrProductNotFound) {
		// 数据异常：商品记录缺失，库存无处可还。
		// 仍然释放预留记录并留下诊断备注，避免卡死整个订单的补偿。
		logger.Ctx(ctx).Error().
			Str("reservation_id", reservation.ID).
			Str("product_id", reservation.ProductID).
			Msg("Product missing while releasing reservation.")
		if err := reservation.MarkReleased("released with anomaly: product record missing"); err != nil {
			return err
		}
		return repos.Reservations.Update(ctx, reservation)
	}
	if err != nil {
		return err
	}

	if err := reservation.MarkReleased(fmt.Sprintf("released, cancellation reason: %s", reason)); err != nil {
		return err
	}
	return repos.Reservations.Update(ctx, reservation)
}
