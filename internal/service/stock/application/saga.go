// internal/service/stock/application/saga.go
package application

import (
	"context"
	"sync"

	"stocknexus/internal/pkg/logger"
)

// compensationStack 收集一次预留流程中已成功步骤的补偿动作。
// 任何一项商品失败（或调用超时）时按后进先出的顺序逐一执行，
// 保证调用方不会观察到"库存被占用但响应失败"的中间态。
type compensationStack struct {
	mu    sync.Mutex
	comps []func(ctx context.Context)
}

// Add 注册一个补偿动作，排在已有动作之前（LIFO）。
func (s *compensationStack) Add(comp func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comps = append([]func(context.Context){comp}, s.comps...)
}

// Trigger 执行全部补偿动作。
func (s *compensationStack) Trigger(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.comps) == 0 {
		return
	}
	logger.Ctx(ctx).Info().Int("count", len(s.comps)).Msg("Executing reservation compensation functions.")
	for _, comp := range s.comps {
		comp(ctx)
	}
	s.comps = nil
}
