// internal/service/stock/application/dto.go
package application

// ReserveItemRequest 是预留请求中的单个商品行。
type ReserveItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// ReserveStockRequest 是同步预留入口的请求载体，
// 由订单服务在下单时调用，入参已在网关侧完成鉴权。
type ReserveStockRequest struct {
	OrderID       string               `json:"orderId"`
	CorrelationID string               `json:"correlationId"`
	Items         []ReserveItemRequest `json:"items"`
}

// ReservationResult 是单个商品的预留结果明细。
// 即使整体失败，也逐项返回，让调用方能给出准确的失败原因。
type ReservationResult struct {
	ProductID         string `json:"productId"`
	ProductName       string `json:"productName"`
	RequestedQuantity int    `json:"requestedQuantity"`
	AvailableStock    int    `json:"availableStock"`
	Success           bool   `json:"success"`
	ErrorMessage      string `json:"errorMessage,omitempty"`
	ReservationID     string `json:"reservationId,omitempty"`
}

// ReserveStockResponse 是预留操作的整体响应。
// Success 为真当且仅当所有商品行都预留成功（订单级全有或全无）。
type ReserveStockResponse struct {
	Success             bool                `json:"success"`
	TotalItemsProcessed int                 `json:"totalItemsProcessed"`
	ReservationResults  []ReservationResult `json:"reservationResults"`
}
