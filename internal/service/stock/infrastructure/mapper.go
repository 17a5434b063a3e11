// internal/service/stock/infrastructure/mapper.go
package infrastructure

import (
	"database/sql"

	"stocknexus/internal/service/stock/domain"
)

// ToDomainProduct 将数据库模型转换为领域模型。
func ToDomainProduct(m *ProductModel) *domain.Product {
	return &domain.Product{
		ProductID:         m.ProductID,
		Name:              m.Name,
		AvailableQuantity: m.AvailableQuantity,
		Version:           m.Version,
	}
}

// ToDomainReservation 将数据库模型转换为领域模型。
func ToDomainReservation(m *ReservationModel) *domain.Reservation {
	r := &domain.Reservation{
		ID:              m.ID,
		OrderID:         m.OrderID,
		ProductID:       m.ProductID,
		ProductName:     m.ProductName,
		Quantity:        m.Quantity,
		Status:          domain.ReservationStatus(m.Status),
		ReservedAt:      m.ReservedAt,
		CorrelationID:   m.CorrelationID,
		ProcessingNotes: m.ProcessingNotes,
	}
	if m.ProcessedAt.Valid {
		t := m.ProcessedAt.Time
		r.ProcessedAt = &t
	}
	return r
}

// ToReservationModel 将领域模型转换为数据库模型。
func ToReservationModel(r *domain.Reservation) *ReservationModel {
	m := &ReservationModel{
		ID:              r.ID,
		OrderID:         r.OrderID,
		ProductID:       r.ProductID,
		ProductName:     r.ProductName,
		Quantity:        r.Quantity,
		Status:          string(r.Status),
		ReservedAt:      r.ReservedAt,
		CorrelationID:   r.CorrelationID,
		ProcessingNotes: r.ProcessingNotes,
	}
	if r.Status == domain.StatusReserved {
		m.ActiveKey = sql.NullString{String: r.OrderID + "/" + r.ProductID, Valid: true}
	}
	if r.ProcessedAt != nil {
		m.ProcessedAt = sql.NullTime{Time: *r.ProcessedAt, Valid: true}
	}
	return m
}

// ToProcessedEventModel 将领域模型转换为数据库模型。
func ToProcessedEventModel(e *domain.ProcessedEvent) *ProcessedEventModel {
	return &ProcessedEventModel{
		EventID:       e.EventID,
		EventType:     string(e.EventType),
		OrderID:       e.OrderID,
		ProcessedAt:   e.ProcessedAt,
		CorrelationID: e.CorrelationID,
		Details:       e.Details,
	}
}
