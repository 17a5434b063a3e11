// internal/service/stock/domain/event.go
package domain

import "time"

// EventType 标识入站事件的类型，同时作为事件路由的分发键。
type EventType string

const (
	EventTypeOrderConfirmed EventType = "OrderConfirmed"
	EventTypeOrderCancelled EventType = "OrderCancelled"
)

// OrderItem 是订单事件中的单个商品行。
type OrderItem struct {
	ProductID   string `json:"productId"`
	ProductName string `json:"productName"`
	Quantity    int    `json:"quantity"`
}

// OrderConfirmedEvent 表示下游（支付/履约）确认了订单，
// 预留的库存应转为最终扣减。
type OrderConfirmedEvent struct {
	EventID        string      `json:"eventId"`
	OrderID        string      `json:"orderId"`
	CustomerID     string      `json:"customerId"`
	TotalAmount    float64     `json:"totalAmount"`
	Items          []OrderItem `json:"items"`
	CorrelationID  string      `json:"correlationId"`
	OrderCreatedAt time.Time   `json:"orderCreatedAt"`
}

// OrderCancelledEvent 表示订单被取消，预留的库存应归还。
type OrderCancelledEvent struct {
	EventID            string      `json:"eventId"`
	OrderID            string      `json:"orderId"`
	CancellationReason string      `json:"cancellationReason"`
	Items              []OrderItem `json:"items"`
	CorrelationID      string      `json:"correlationId"`
	CancelledAt        time.Time   `json:"cancelledAt"`
}

// StockDeduction 是 StockDebitedEvent 中单个商品的扣减明细。
// PreviousStock/NewStock 仅用于对账报表，库存在预留时已经扣减。
type StockDeduction struct {
	ProductID       string `json:"productId"`
	ProductName     string `json:"productName"`
	QuantityDebited int    `json:"quantityDebited"`
	PreviousStock   int    `json:"previousStock"`
	NewStock        int    `json:"newStock"`
}

// StockDebitedEvent 是确认处理完成后发出的结果事件。
// 它只是尽力而为的通知，状态流转本身才是权威结果。
type StockDebitedEvent struct {
	OrderID                 string           `json:"orderId"`
	StockDeductions         []StockDeduction `json:"stockDeductions"`
	AllDeductionsSuccessful bool             `json:"allDeductionsSuccessful"`
	ErrorMessage            string           `json:"errorMessage,omitempty"`
	CorrelationID           string           `json:"correlationId"`
}

// ProcessedEvent 是幂等账本中的一条记录。
// 它的存在与否是"事件效果是否已施加"的唯一判据，只插入、不修改、不删除。
type ProcessedEvent struct {
	EventID       string
	EventType     EventType
	OrderID       string
	ProcessedAt   time.Time
	CorrelationID string
	Details       string
}
