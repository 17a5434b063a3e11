// internal/service/stock/infrastructure/gorm_model.go
package infrastructure

import (
	"database/sql"
	"time"

	"gorm.io/gorm"
)

// ProductModel 对应数据库中的 product_stock 表。
// version 列是乐观锁版本号，所有数量变更都以它为条件提交。
type ProductModel struct {
	gorm.Model
	ProductID         string `gorm:"uniqueIndex;size:64"`
	Name              string `gorm:"size:255"`
	AvailableQuantity int
	Version           int64
}

func (ProductModel) TableName() string {
	return "product_stock"
}

// ReservationModel 对应数据库中的 stock_reservation 表。
// (order_id, status) 复合索引支撑两个异步处理器的状态限定查询。
type ReservationModel struct {
	ID              string `gorm:"primaryKey;size:36"`
	OrderID         string `gorm:"index:idx_order_status;size:64"`
	ProductID       string `gorm:"index;size:64"`
	ProductName     string `gorm:"size:255"`
	Quantity        int
	Status          string `gorm:"index:idx_order_status;size:16"`
	// ActiveKey 在 RESERVED 状态下取值 "order_id/product_id"，终态置 NULL。
	// 唯一索引保证同一订单同一商品最多一条未了结预留（NULL 不参与约束）。
	ActiveKey       sql.NullString `gorm:"uniqueIndex;size:130"`
	ReservedAt      time.Time
	ProcessedAt     sql.NullTime
	CorrelationID   string `gorm:"size:64"`
	ProcessingNotes string `gorm:"type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (ReservationModel) TableName() string {
	return "stock_reservation"
}

// ProcessedEventModel 对应数据库中的 processed_event 表。
// event_id 上的唯一约束是幂等性的最终防线。
type ProcessedEventModel struct {
	gorm.Model
	EventID       string `gorm:"uniqueIndex;size:64"`
	EventType     string `gorm:"size:32"`
	OrderID       string `gorm:"index;size:64"`
	ProcessedAt   time.Time
	CorrelationID string `gorm:"size:64"`
	Details       string `gorm:"type:text"`
}

func (ProcessedEventModel) TableName() string {
	return "processed_event"
}
