// internal/service/stock/application/confirmation.go
package application

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"stocknexus/internal/pkg/logger"
	"stocknexus/internal/service/stock/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ConfirmationProcessor 处理 OrderConfirmed 事件：
// 把订单下所有 RESERVED 的预留转为最终扣减（DEBITED）。
// 库存在预留时已经扣减，这里是纯状态流转，不再触碰库存台账。
type ConfirmationProcessor struct {
	tracer trace.Tracer
}

func NewConfirmationProcessor(tracer trace.Tracer) *ConfirmationProcessor {
	return &ConfirmationProcessor{tracer: tracer}
}

// Process 在路由器提供的事务作用域内执行。
// 返回的 details 写入幂等账本，outbound 在事务提交后发送。
func (p *ConfirmationProcessor) Process(ctx context.Context, repos domain.Repositories, event *domain.OrderConfirmedEvent) (string, *domain.StockDebitedEvent, error) {
	ctx, span := p.tracer.Start(ctx, "stock.ConfirmReservations")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", event.OrderID))

	reserved, err := repos.Reservations.FindByOrderAndStatus(ctx, event.OrderID, domain.StatusReserved)
	if err != nil {
		return "", nil, err
	}

	// 没有可结算的预留是逻辑异常而不是瞬时故障：
	// 记一笔带诊断信息的账本防止消息无限重投，不发结果事件。
	if len(reserved) == 0 {
		logger.Ctx(ctx).Warn().
			Str("order_id", event.OrderID).
			Str("event_id", event.EventID).
			Msg("OrderConfirmed arrived but no reserved rows exist.")
		span.AddEvent("Anomaly: no reserved rows to finalize.")
		return fmt.Sprintf("anomaly: no reserved rows found for order %s, nothing to finalize", event.OrderID), nil, nil
	}

	outbound := &domain.StockDebitedEvent{
		OrderID:                 event.OrderID,
		CorrelationID:           event.CorrelationID,
		AllDeductionsSuccessful: true,
	}
	var failures []string

	for _, reservation := range reserved {
		product, err := repos.Stock.GetProduct(ctx, reservation.ProductID)
		if errors.Is(err, domain.ErrProductNotFound) {
			// 数据异常：预留指向的商品不存在。该项标记失败，其余继续。
			outbound.AllDeductionsSuccessful = false
			failures = append(failures, fmt.Sprintf("product %s missing for reservation %s", reservation.ProductID, reservation.ID))
			if err := reservation.MarkDebited("finalized with anomaly: product record missing"); err != nil {
				return "", nil, err
			}
			if err := repos.Reservations.Update(ctx, reservation); err != nil {
				return "", nil, err
			}
			continue
		}
		if err != nil {
			return "", nil, err
		}

		if err := reservation.MarkDebited(""); err != nil {
			return "", nil, err
		}
		if err := repos.Reservations.Update(ctx, reservation); err != nil {
			return "", nil, err
		}

		// 扣减审计：当前可用量即 NewStock，预留发生前的量即 PreviousStock
		outbound.StockDeductions = append(outbound.StockDeductions, domain.StockDeduction{
			ProductID:       reservation.ProductID,
			ProductName:     reservation.ProductName,
			QuantityDebited: reservation.Quantity,
			PreviousStock:   product.AvailableQuantity + reservation.Quantity,
			NewStock:        product.AvailableQuantity,
		})
	}

	if len(failures) > 0 {
		outbound.ErrorMessage = strings.Join(failures, "; ")
	}

	logger.Ctx(ctx).Info().
		Str("order_id", event.OrderID).
		Int("finalized", len(reserved)).
		Bool("all_successful", outbound.AllDeductionsSuccessful).
		Msg("Reservations finalized.")
	span.AddEvent("Reservations transitioned to DEBITED.")

	details := fmt.Sprintf("finalized %d reservation(s), allDeductionsSuccessful=%t", len(reserved), outbound.AllDeductionsSuccessful)
	return details, outbound, nil
}
