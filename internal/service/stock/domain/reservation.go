// internal/service/stock/domain/reservation.go
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ReservationStatus 定义了预留记录的生命周期状态。
type ReservationStatus string

const (
	StatusReserved ReservationStatus = "RESERVED" // 库存已扣减，等待订单结果
	StatusDebited  ReservationStatus = "DEBITED"  // 订单确认，扣减转为最终结算（终态）
	StatusReleased ReservationStatus = "RELEASED" // 订单取消，库存已归还（终态）
)

// Reservation 是一条对库存的临时占用记录，同步创建、异步了结。
// 记录只追加不删除，是整个预留流程的审计轨迹。
type Reservation struct {
	ID              string
	OrderID         string
	ProductID       string
	ProductName     string
	Quantity        int
	Status          ReservationStatus
	ReservedAt      time.Time
	ProcessedAt     *time.Time
	CorrelationID   string
	ProcessingNotes string
}

// NewReservation 创建一条新的预留记录，初始状态固定为 RESERVED。
func NewReservation(orderID, productID, productName string, quantity int, correlationID string) (*Reservation, error) {
	if orderID == "" || productID == "" {
		return nil, errors.New("cannot create reservation with empty order or product id")
	}
	if quantity <= 0 {
		return nil, ErrValidation
	}
	return &Reservation{
		ID:            uuid.New().String(),
		OrderID:       orderID,
		ProductID:     productID,
		ProductName:   productName,
		Quantity:      quantity,
		Status:        StatusReserved,
		ReservedAt:    time.Now(),
		CorrelationID: correlationID,
	}, nil
}

// IsTerminal 返回记录是否已经到达终态。
func (r *Reservation) IsTerminal() bool {
	return r.Status == StatusDebited || r.Status == StatusReleased
}

// MarkDebited 将预留转为最终扣减。只允许从 RESERVED 流转。
func (r *Reservation) MarkDebited(notes string) error {
	if r.Status != StatusReserved {
		return ErrInvalidTransition
	}
	now := time.Now()
	r.Status = StatusDebited
	r.ProcessedAt = &now
	r.ProcessingNotes = notes
	return nil
}

// MarkReleased 将预留的库存归还。只允许从 RESERVED 流转。
func (r *Reservation) MarkReleased(notes string) error {
	if r.Status != StatusReserved {
		return ErrInvalidTransition
	}
	now := time.Now()
	r.Status = StatusReleased
	r.ProcessedAt = &now
	r.ProcessingNotes = notes
	return nil
}
