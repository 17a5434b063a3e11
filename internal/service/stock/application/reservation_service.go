// internal/service/stock/application/reservation_service.go
package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stocknexus/internal/pkg/logger"
	"stocknexus/internal/pkg/metrics"
	"stocknexus/internal/service/stock/domain"
	"stocknexus/internal/service/stock/domain/port"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StockApplicationService 是库存预留的同步入口，并承载只读查询。
// 订单级语义为全有或全无：任何一项商品预留失败，已成功的项立即补偿。
type StockApplicationService struct {
	uow   domain.UnitOfWork
	repos domain.Repositories
	cache port.StockCache // 可为 nil，缓存只是读路径的旁路加速

	tracer       trace.Tracer
	maxAttempts  int
	retryBackoff time.Duration
}

func NewStockApplicationService(uow domain.UnitOfWork, repos domain.Repositories, cache port.StockCache, tracer trace.Tracer, maxAttempts int, retryBackoff time.Duration) *StockApplicationService {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if retryBackoff <= 0 {
		retryBackoff = 20 * time.Millisecond
	}
	return &StockApplicationService{
		uow: uow, repos: repos, cache: cache,
		tracer: tracer, maxAttempts: maxAttempts, retryBackoff: retryBackoff,
	}
}

// Reserve 为一个订单预留库存。
// 每个商品行执行 read-decide-write 的乐观锁扣减，版本冲突时有界重试；
// 任何一行失败时，本次调用内已扣减的库存按后进先出立即归还，
// 响应中仍然逐项给出失败原因，便于调用方呈现给用户。
func (s *StockApplicationService) Reserve(ctx context.Context, req *ReserveStockRequest) (*ReserveStockResponse, error) {
	ctx, span := s.tracer.Start(ctx, "stock.Reserve")
	defer span.End()
	start := time.Now()
	defer func() { metrics.ReservationDuration.Observe(time.Since(start).Seconds()) }()

	span.SetAttributes(
		attribute.String("order.id", req.OrderID),
		attribute.Int("order.item_count", len(req.Items)),
	)

	if err := validateReserveRequest(req); err != nil {
		metrics.ReservationRequests.WithLabelValues("validation_error").Inc()
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}
	// 同一商品的多行请求合并为一行，与"每订单每商品至多一条未了结预留"对齐
	items := normalizeItems(req.Items)

	// 同一订单的重复调用是幂等的：已有未了结的预留时直接重放上次结果，
	// 绝不重复扣减。
	existing, err := s.repos.Reservations.FindByOrderAndStatus(ctx, req.OrderID, domain.StatusReserved)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return s.replayOrReject(ctx, span, req.OrderID, existing, items)
	}

	saga := &compensationStack{}
	resp := &ReserveStockResponse{}

	for _, item := range items {
		// 调用方超时后不再推进，已扣减的部分必须先归还再返回
		if ctx.Err() != nil {
			s.compensateDetached(ctx, saga)
			metrics.ReservationRequests.WithLabelValues("timeout").Inc()
			span.SetStatus(codes.Error, "deadline exceeded mid-order")
			return nil, ctx.Err()
		}

		result, err := s.reserveItem(ctx, req.OrderID, req.CorrelationID, item, saga)
		if errors.Is(err, domain.ErrDuplicateReservation) {
			// 同一订单的并发请求抢先落库（唯一约束兜底命中）：
			// 回滚本次已占用的行，转为对胜出者结果的重放
			logger.Ctx(ctx).Info().Str("order_id", req.OrderID).Msg("Lost duplicate-order race, replaying the winner's result.")
			s.compensateDetached(ctx, saga)
			winner, lookupErr := s.repos.Reservations.FindByOrderAndStatus(ctx, req.OrderID, domain.StatusReserved)
			if lookupErr != nil {
				return nil, lookupErr
			}
			return s.replayOrReject(ctx, span, req.OrderID, winner, items)
		}
		if err != nil {
			// 存储层异常属于 Transient，由调用方决定是否整单重试
			s.compensateDetached(ctx, saga)
			metrics.ReservationRequests.WithLabelValues("error").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "reservation aborted on storage error")
			return nil, err
		}

		resp.ReservationResults = append(resp.ReservationResults, result)
		resp.TotalItemsProcessed++

		if !result.Success {
			logger.Ctx(ctx).Warn().
				Str("order_id", req.OrderID).
				Str("product_id", item.ProductID).
				Str("reason", result.ErrorMessage).
				Msg("Reservation failed, compensating already reserved items.")
			s.compensateDetached(ctx, saga)
			span.AddEvent("Partial reservation compensated.")
			return resp, nil
		}
	}

	resp.Success = true
	metrics.ReservationRequests.WithLabelValues("success").Inc()
	logger.Ctx(ctx).Info().
		Str("order_id", req.OrderID).
		Int("items", resp.TotalItemsProcessed).
		Msg("All items reserved.")
	span.AddEvent("All items reserved successfully")
	return resp, nil
}

func validateReserveRequest(req *ReserveStockRequest) error {
	if req == nil || req.OrderID == "" {
		return fmt.Errorf("%w: orderId is required", domain.ErrValidation)
	}
	if len(req.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", domain.ErrValidation)
	}
	for _, item := range req.Items {
		if item.ProductID == "" {
			return fmt.Errorf("%w: productId is required", domain.ErrValidation)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: quantity must be positive for product %s", domain.ErrValidation, item.ProductID)
		}
	}
	return nil
}

// normalizeItems 合并同一商品的多行请求，保持首次出现的顺序。
func normalizeItems(items []ReserveItemRequest) []ReserveItemRequest {
	index := make(map[string]int, len(items))
	out := make([]ReserveItemRequest, 0, len(items))
	for _, item := range items {
		if i, ok := index[item.ProductID]; ok {
			out[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(out)
		out = append(out, item)
	}
	return out
}

// replayOrReject 处理订单号已存在未了结预留的情况：
// 载荷一致时幂等重放，不一致说明订单号被复用，拒绝。
func (s *StockApplicationService) replayOrReject(ctx context.Context, span trace.Span, orderID string, existing []*domain.Reservation, items []ReserveItemRequest) (*ReserveStockResponse, error) {
	if len(existing) == 0 || !matchesExisting(existing, items) {
		metrics.ReservationRequests.WithLabelValues("conflict").Inc()
		span.SetStatus(codes.Error, "order id reused with different payload")
		return nil, fmt.Errorf("%w: order %s already has reservations with a different item set", domain.ErrConflict, orderID)
	}
	logger.Ctx(ctx).Info().Str("order_id", orderID).Msg("Duplicate reservation call, replaying existing result.")
	span.AddEvent("Replayed existing reservations for duplicate order.")
	metrics.ReservationRequests.WithLabelValues("duplicate").Inc()
	return s.replayResponse(ctx, existing), nil
}

// matchesExisting 按"商品 → 总数量"的多重集合比较两边是否一致。
func matchesExisting(existing []*domain.Reservation, items []ReserveItemRequest) bool {
	reserved := make(map[string]int, len(existing))
	for _, r := range existing {
		reserved[r.ProductID] += r.Quantity
	}
	requested := make(map[string]int, len(items))
	for _, item := range items {
		requested[item.ProductID] += item.Quantity
	}
	if len(reserved) != len(requested) {
		return false
	}
	for productID, qty := range requested {
		if reserved[productID] != qty {
			return false
		}
	}
	return true
}

// reserveItem 对单个商品执行有界重试的乐观锁扣减。
// 返回的 error 仅表示存储层异常；业务失败体现在 result 里。
func (s *StockApplicationService) reserveItem(ctx context.Context, orderID, correlationID string, item ReserveItemRequest, saga *compensationStack) (ReservationResult, error) {
	result := ReservationResult{
		ProductID:         item.ProductID,
		RequestedQuantity: item.Quantity,
	}

	backoff := s.retryBackoff
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		product, err := s.repos.Stock.GetProduct(ctx, item.ProductID)
		if errors.Is(err, domain.ErrProductNotFound) {
			result.ErrorMessage = fmt.Sprintf("product %s not found", item.ProductID)
			metrics.ReservationRequests.WithLabelValues("not_found").Inc()
			return result, nil
		}
		if err != nil {
			return result, err
		}

		result.ProductName = product.Name
		result.AvailableStock = product.AvailableQuantity

		if !product.CanFulfill(item.Quantity) {
			result.ErrorMessage = fmt.Sprintf("product %s has only %d units left, requested %d",
				item.ProductID, product.AvailableQuantity, item.Quantity)
			metrics.ReservationRequests.WithLabelValues("insufficient_stock").Inc()
			return result, nil
		}

		reservation, err := domain.NewReservation(orderID, item.ProductID, product.Name, item.Quantity, correlationID)
		if err != nil {
			return result, err
		}

		// 扣减和预留记录的写入是同一个原子单元：
		// 版本仍然有效才提交，保证并发下不可能超卖。
		expectedVersion := product.Version
		newQuantity := product.AvailableQuantity - item.Quantity
		err = s.uow.Execute(ctx, func(ctx context.Context, repos domain.Repositories) error {
			if err := repos.Stock.UpdateProductQuantity(ctx, item.ProductID, expectedVersion, newQuantity); err != nil {
				return err
			}
			return repos.Reservations.Create(ctx, reservation)
		})

		if errors.Is(err, domain.ErrConflict) {
			metrics.StockVersionConflicts.Inc()
			logger.Ctx(ctx).Debug().
				Str("product_id", item.ProductID).
				Int("attempt", attempt).
				Msg("Stock version conflict, retrying.")
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}
		if err != nil {
			return result, err
		}

		// 登记补偿动作：若同订单后续商品失败，这里扣掉的库存要原路归还
		saga.Add(func(compCtx context.Context) {
			s.rollbackItem(compCtx, reservation)
		})

		s.refreshCache(ctx, item.ProductID, newQuantity, expectedVersion+1)

		result.Success = true
		result.AvailableStock = newQuantity
		result.ReservationID = reservation.ID
		return result, nil
	}

	result.ErrorMessage = fmt.Sprintf("stock of product %s is being modified concurrently, retries exhausted", item.ProductID)
	metrics.ReservationRequests.WithLabelValues("conflict").Inc()
	return result, nil
}

// rollbackItem 归还一次同步路径内的扣减：库存原子加回、预留记录删除。
// 这条记录从未在成功响应中暴露过，删除不破坏审计轨迹。
// 归还走无条件自增，不会与并发扣减产生版本冲突；重试只针对瞬时故障。
func (s *StockApplicationService) rollbackItem(ctx context.Context, reservation *domain.Reservation) {
	backoff := s.retryBackoff
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		var refreshedQty int
		var refreshedVersion int64
		err := s.uow.Execute(ctx, func(ctx context.Context, repos domain.Repositories) error {
			if err := repos.Stock.RestoreProductQuantity(ctx, reservation.ProductID, reservation.Quantity); err != nil {
				return err
			}
			product, err := repos.Stock.GetProduct(ctx, reservation.ProductID)
			if err != nil {
				return err
			}
			refreshedQty = product.AvailableQuantity
			refreshedVersion = product.Version
			return repos.Reservations.Delete(ctx, reservation.ID)
		})
		if err == nil {
			s.refreshCache(ctx, reservation.ProductID, refreshedQty, refreshedVersion)
			return
		}
		logger.Ctx(ctx).Warn().Err(err).
			Str("reservation_id", reservation.ID).
			Int("attempt", attempt).
			Msg("Stock rollback attempt failed, retrying.")
		time.Sleep(backoff)
		backoff *= 2
	}
	// 补偿失败意味着库存被多扣，需要人工介入
	logger.Ctx(ctx).Error().
		Str("reservation_id", reservation.ID).
		Str("product_id", reservation.ProductID).
		Msg("CRITICAL: stock rollback retries exhausted, manual intervention required.")
}

// compensateDetached 用一个脱离调用方超时、但保留链路信息的上下文执行补偿。
// 调用方的 deadline 可能已经触发，补偿本身不能因此被取消。
func (s *StockApplicationService) compensateDetached(ctx context.Context, saga *compensationStack) {
	spanContext := trace.SpanContextFromContext(ctx)
	compCtx := trace.ContextWithRemoteSpanContext(context.Background(), spanContext)
	saga.Trigger(compCtx)
}

// replayResponse 从已存在的未了结预留重建响应，AvailableStock 取当前值。
func (s *StockApplicationService) replayResponse(ctx context.Context, reservations []*domain.Reservation) *ReserveStockResponse {
	resp := &ReserveStockResponse{
		Success:             true,
		TotalItemsProcessed: len(reservations),
	}
	for _, r := range reservations {
		result := ReservationResult{
			ProductID:         r.ProductID,
			ProductName:       r.ProductName,
			RequestedQuantity: r.Quantity,
			Success:           true,
			ReservationID:     r.ID,
		}
		if product, err := s.repos.Stock.GetProduct(ctx, r.ProductID); err == nil {
			result.AvailableStock = product.AvailableQuantity
		}
		resp.ReservationResults = append(resp.ReservationResults, result)
	}
	return resp
}

func (s *StockApplicationService) refreshCache(ctx context.Context, productID string, available int, version int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.RefreshAvailability(ctx, productID, available, version); err != nil {
		// 缓存只是镜像，失败降级为日志
		logger.Ctx(ctx).Warn().Err(err).Str("product_id", productID).Msg("Failed to refresh stock cache.")
	}
}

// GetReservationsByOrder 返回某订单的全部预留记录（审计查询）。
func (s *StockApplicationService) GetReservationsByOrder(ctx context.Context, orderID string) ([]*domain.Reservation, error) {
	if orderID == "" {
		return nil, fmt.Errorf("%w: orderId is required", domain.ErrValidation)
	}
	return s.repos.Reservations.FindByOrder(ctx, orderID)
}

// GetReservation 按 ID 返回单条预留记录。
func (s *StockApplicationService) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: reservation id is required", domain.ErrValidation)
	}
	return s.repos.Reservations.FindByID(ctx, id)
}

// GetAvailability 查询商品可用数量，优先走缓存镜像，未命中回源台账。
func (s *StockApplicationService) GetAvailability(ctx context.Context, productID string) (int, error) {
	if s.cache != nil {
		if available, ok, err := s.cache.GetAvailability(ctx, productID); err == nil && ok {
			return available, nil
		}
	}
	product, err := s.repos.Stock.GetProduct(ctx, productID)
	if err != nil {
		return 0, err
	}
	s.refreshCache(ctx, productID, product.AvailableQuantity, product.Version)
	return product.AvailableQuantity, nil
}

// UpsertProduct 新建或重置一条商品库存记录（运维/初始化接口）。
func (s *StockApplicationService) UpsertProduct(ctx context.Context, product *domain.Product) error {
	if product == nil || product.ProductID == "" {
		return fmt.Errorf("%w: productId is required", domain.ErrValidation)
	}
	if product.AvailableQuantity < 0 {
		return fmt.Errorf("%w: available quantity must not be negative", domain.ErrValidation)
	}
	if err := s.repos.Stock.SaveProduct(ctx, product); err != nil {
		return err
	}
	s.refreshCache(ctx, product.ProductID, product.AvailableQuantity, product.Version)
	return nil
}
