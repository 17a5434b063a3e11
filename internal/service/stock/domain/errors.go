// internal/service/stock/domain/errors.go
package domain

import "errors"

// 领域层的哨兵错误。基础设施层负责把存储相关错误映射到这里，
// 应用层和接口层只依赖这些语义。
var (
	// ErrValidation 表示入参不合法，不可重试，直接透出给调用方
	ErrValidation = errors.New("validation error")

	// ErrProductNotFound 表示商品不存在
	ErrProductNotFound = errors.New("product not found")

	// ErrReservationNotFound 表示预留记录不存在
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrInsufficientStock 表示可用库存不足，属于业务规则失败
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrConflict 表示乐观锁重试耗尽后的并发冲突
	ErrConflict = errors.New("concurrent modification conflict")

	// ErrInvalidTransition 表示对终态预留记录的非法状态流转
	ErrInvalidTransition = errors.New("invalid reservation state transition")

	// ErrDuplicateEvent 表示幂等账本中已存在同一 EventID
	ErrDuplicateEvent = errors.New("event already processed")

	// ErrDuplicateReservation 表示同一订单同一商品已存在未了结的预留，
	// 由存储层的唯一约束在并发竞争下兜底产生
	ErrDuplicateReservation = errors.New("active reservation already exists")
)
